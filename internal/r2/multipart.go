package r2

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"r2admin/internal/payload"
	"r2admin/internal/s3err"
)

// Upload is one multipart upload session. Its identity is entirely the
// (key, uploadId) pair; the provider owns the authoritative session state and
// may expire it server-side, observable as an upload-session-expired error on
// later part operations. A session ends at Complete or Abort.
type Upload struct {
	Key      string
	UploadID string

	client *Client
	creds  Credentials
}

// Part is one uploaded part, collected by the caller and handed back to
// Complete.
type Part struct {
	PartNumber int
	ETag       string
}

// CreateMultipartUpload starts a session for key.
func (c *Client) CreateMultipartUpload(ctx context.Context, creds Credentials, key string, opts PutOptions) (*Upload, error) {
	const op = "createMultipart"
	headers := http.Header{}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	for name, value := range opts.Metadata {
		headers.Set("x-amz-meta-"+strings.ToLower(name), value)
	}

	resp, err := c.do(ctx, creds, op, http.MethodPost, key, url.Values{"uploads": {""}}, headers, nil, false)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s3err.Transport(op, err)
	}
	uploadID, err := parseInitiateResult(op, body)
	if err != nil {
		return nil, err
	}
	return &Upload{Key: normalizeKey(key), UploadID: uploadID, client: c, creds: creds}, nil
}

// ResumeUpload rebinds an existing session from its (key, uploadId) pair, for
// callers that persist session identity between requests. It does not verify
// that the session still exists; an expired session surfaces on the next part
// operation.
func (c *Client) ResumeUpload(creds Credentials, key, uploadID string) *Upload {
	return &Upload{Key: normalizeKey(key), UploadID: uploadID, client: c, creds: creds}
}

// UploadPart transfers one part. Part numbers are 1-based; each part is
// independently retryable by the caller.
func (u *Upload) UploadPart(ctx context.Context, partNumber int, body payload.Body) (Part, error) {
	const op = "uploadPart"
	if partNumber < 1 {
		return Part{}, s3err.Protocolf(op, "part number %d is not positive", partNumber)
	}
	query := url.Values{
		"partNumber": {strconv.Itoa(partNumber)},
		"uploadId":   {u.UploadID},
	}
	resp, err := u.client.do(ctx, u.creds, op, http.MethodPut, u.Key, query, nil, body, false)
	if err != nil {
		return Part{}, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Part{}, u.client.readError(op, resp)
	}
	return Part{PartNumber: partNumber, ETag: stripETag(resp.Header.Get("ETag"))}, nil
}

// Complete stitches the uploaded parts into the final object. Parts may
// arrive out of order or duplicated; they are sorted by part number,
// deduplicated, and entries without an etag or a positive part number are
// dropped. The completion XML travels over a signed, hashed request.
func (u *Upload) Complete(ctx context.Context, parts []Part) (string, error) {
	const op = "completeMultipart"
	encoded, err := encodeCompletion(parts)
	if err != nil {
		return "", s3err.Protocolf(op, "encode completion: %v", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/xml")
	query := url.Values{"uploadId": {u.UploadID}}

	resp, err := u.client.do(ctx, u.creds, op, http.MethodPost, u.Key, query, headers, payload.Bytes(encoded), true)
	if err != nil {
		return "", err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", u.client.readError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", s3err.Transport(op, err)
	}
	var result completeMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", s3err.Protocolf(op, "malformed completion response: %v", err)
	}
	return stripETag(result.ETag), nil
}

// Abort ends the session and discards any uploaded parts.
func (u *Upload) Abort(ctx context.Context) error {
	const op = "abortMultipart"
	query := url.Values{"uploadId": {u.UploadID}}
	resp, err := u.client.do(ctx, u.creds, op, http.MethodDelete, u.Key, query, nil, nil, false)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return u.client.readError(op, resp)
	}
	return nil
}

type completeMultipartUpload struct {
	XMLName xml.Name         `xml:"CompleteMultipartUpload"`
	Parts   []completionPart `xml:"Part"`
}

type completionPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

func encodeCompletion(parts []Part) ([]byte, error) {
	byNumber := map[int]string{}
	for _, part := range parts {
		if part.PartNumber < 1 || part.ETag == "" {
			continue
		}
		byNumber[part.PartNumber] = stripETag(part.ETag)
	}
	numbers := make([]int, 0, len(byNumber))
	for number := range byNumber {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)

	var request completeMultipartUpload
	for _, number := range numbers {
		request.Parts = append(request.Parts, completionPart{PartNumber: number, ETag: byNumber[number]})
	}
	encoded, err := xml.Marshal(request)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), encoded...), nil
}
