// Package r2 is an S3-compatible object storage client that speaks the AWS
// S3 REST protocol directly over HTTP, signing every request with SigV4. It
// targets Cloudflare R2 endpoints but works against any S3-compatible
// provider when the endpoint is overridden.
//
// The client holds no mutable state across calls beyond an optional
// signing-key cache; every operation is a function of its inputs plus the
// clock, so a single Client is safe for concurrent use. The client never
// retries; callers own retry policy.
package r2

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"r2admin/internal/payload"
	"r2admin/internal/s3err"
	"r2admin/internal/sigv4"
)

const (
	// DeleteBatchLimit is the provider cap on keys per batch-delete call.
	DeleteBatchLimit = 1000

	endpointSuffix = ".r2.cloudflarestorage.com"
)

// Credentials identify one logical bucket. They are supplied per call and
// never persisted by this package.
type Credentials struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

func (c Credentials) sigv4() sigv4.Credentials {
	return sigv4.Credentials{AccessKeyID: c.AccessKeyID, SecretAccessKey: c.SecretAccessKey}
}

// Observer receives one measurement per storage operation.
type Observer interface {
	Observe(op string, bytes int64, err error, elapsed time.Duration)
}

// Options configures a Client. The zero value works: requests go to the R2
// endpoint derived from the account id, signing keys are recomputed per call,
// and the default HTTP client is used.
type Options struct {
	// Endpoint overrides the derived https://{accountId}.r2.cloudflarestorage.com
	// base URL. Used by tests and non-R2 providers.
	Endpoint   string
	HTTPClient *http.Client
	KeyCache   sigv4.KeyCache
	Metrics    Observer
	Now        func() time.Time
}

type Client struct {
	endpoint string
	http     *http.Client
	signer   sigv4.Signer
	metrics  Observer
	now      func() time.Time
	tracer   trace.Tracer
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		http:     httpClient,
		signer:   sigv4.Signer{Cache: opts.KeyCache},
		metrics:  opts.Metrics,
		now:      now,
		tracer:   otel.Tracer("r2admin/r2"),
	}
}

// ObjectSummary is one listing entry. Size, Uploaded, and ETag are zero when
// the provider omitted them.
type ObjectSummary struct {
	Key      string
	Size     int64
	Uploaded time.Time
	ETag     string
}

// ListResult is one page of a listing. Cursor is an opaque continuation
// token, valid only for the next call with identical prefix and delimiter.
type ListResult struct {
	Objects           []ObjectSummary
	DelimitedPrefixes []string
	Truncated         bool
	Cursor            string
}

type ListOptions struct {
	Prefix    string
	Delimiter string
	Cursor    string
	MaxKeys   int
}

// Object is a fetched object. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ETag        string
	Metadata    map[string]string
}

// ObjectInfo is the header-only view returned by Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// RangeSpec selects Length bytes starting at Offset.
type RangeSpec struct {
	Offset int64
	Length int64
}

func (r RangeSpec) header() string {
	end := r.Offset + r.Length - 1
	if end < r.Offset {
		end = r.Offset
	}
	return fmt.Sprintf("bytes=%d-%d", r.Offset, end)
}

type PutOptions struct {
	ContentType string
	// Metadata becomes x-amz-meta-* headers. Keys are lowercased.
	Metadata map[string]string
}

// List fetches one page of keys under the given prefix.
func (c *Client) List(ctx context.Context, creds Credentials, opts ListOptions) (ListResult, error) {
	const op = "list"
	query := url.Values{"list-type": {"2"}}
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		query.Set("delimiter", opts.Delimiter)
	}
	if opts.Cursor != "" {
		query.Set("continuation-token", opts.Cursor)
	}
	if opts.MaxKeys > 0 {
		query.Set("max-keys", strconv.Itoa(opts.MaxKeys))
	}

	resp, err := c.do(ctx, creds, op, http.MethodGet, "", query, nil, nil, false)
	if err != nil {
		return ListResult{}, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return ListResult{}, c.readError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ListResult{}, s3err.Transport(op, err)
	}
	return parseListResult(op, body)
}

// Get fetches an object, optionally a byte range of it. A missing key is not
// an error: Get returns (nil, nil) so callers can tell absence from failure.
func (c *Client) Get(ctx context.Context, creds Credentials, key string, byteRange *RangeSpec) (*Object, error) {
	const op = "get"
	headers := http.Header{}
	if byteRange != nil {
		headers.Set("Range", byteRange.header())
	}

	resp, err := c.do(ctx, creds, op, http.MethodGet, key, nil, headers, nil, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drainClose(resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer drainClose(resp.Body)
		return nil, c.readError(op, resp)
	}
	return &Object{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        stripETag(resp.Header.Get("ETag")),
		Metadata:    userMetadata(resp.Header),
	}, nil
}

// Head stats an object. A missing key returns (nil, nil), not an error.
func (c *Client) Head(ctx context.Context, creds Credentials, key string) (*ObjectInfo, error) {
	const op = "head"
	resp, err := c.do(ctx, creds, op, http.MethodHead, key, nil, nil, nil, false)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		// HEAD responses carry no body, so classification rests on status.
		return nil, s3err.FromResponse(op, resp.StatusCode, nil)
	}
	info := &ObjectInfo{
		Key:         normalizeKey(key),
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        stripETag(resp.Header.Get("ETag")),
		Metadata:    userMetadata(resp.Header),
	}
	if ts := parseObjectTime(resp.Header.Get("Last-Modified")); !ts.IsZero() {
		info.LastModified = ts
	}
	return info, nil
}

// Put stores an object. Object data travels with the unsigned-payload
// sentinel so streams are never buffered for hashing.
func (c *Client) Put(ctx context.Context, creds Credentials, key string, body payload.Body, opts PutOptions) (string, error) {
	const op = "put"
	headers := http.Header{}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	for name, value := range opts.Metadata {
		headers.Set("x-amz-meta-"+strings.ToLower(name), value)
	}

	resp, err := c.do(ctx, creds, op, http.MethodPut, key, nil, headers, body, false)
	if err != nil {
		return "", err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", c.readError(op, resp)
	}
	return stripETag(resp.Header.Get("ETag")), nil
}

// Delete removes a single object. Deleting a missing key succeeds, matching
// provider semantics.
func (c *Client) Delete(ctx context.Context, creds Credentials, key string) error {
	const op = "delete"
	resp, err := c.do(ctx, creds, op, http.MethodDelete, key, nil, nil, nil, false)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.readError(op, resp)
	}
	return nil
}

type deleteRequest struct {
	XMLName xml.Name       `xml:"Delete"`
	Quiet   bool           `xml:"Quiet"`
	Objects []deleteTarget `xml:"Object"`
}

type deleteTarget struct {
	Key string `xml:"Key"`
}

// DeleteMany removes keys in sequential batches of at most DeleteBatchLimit.
// It returns how many keys were deleted; a failure aborts the remaining
// batches, and the caller resumes from a known prefix if it must handle
// partial failure.
func (c *Client) DeleteMany(ctx context.Context, creds Credentials, keys []string) (int, error) {
	const op = "deleteMany"
	deleted := 0
	for start := 0; start < len(keys); start += DeleteBatchLimit {
		end := start + DeleteBatchLimit
		if end > len(keys) {
			end = len(keys)
		}
		n, err := c.deleteBatch(ctx, creds, op, keys[start:end])
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (c *Client) deleteBatch(ctx context.Context, creds Credentials, op string, keys []string) (int, error) {
	request := deleteRequest{Quiet: false}
	for _, key := range keys {
		request.Objects = append(request.Objects, deleteTarget{Key: normalizeKey(key)})
	}
	encoded, err := xml.Marshal(request)
	if err != nil {
		return 0, s3err.Protocolf(op, "encode delete request: %v", err)
	}
	encoded = append([]byte(xml.Header), encoded...)

	sum := md5.Sum(encoded)
	headers := http.Header{}
	headers.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	headers.Set("Content-Type", "application/xml")

	resp, err := c.do(ctx, creds, op, http.MethodPost, "", url.Values{"delete": {""}}, headers, payload.Bytes(encoded), true)
	if err != nil {
		return 0, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, c.readError(op, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, s3err.Transport(op, err)
	}
	var result deleteResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return 0, s3err.Protocolf(op, "malformed delete response: %v", err)
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return len(result.Deleted), s3err.FromResponse(op, http.StatusOK, mustMarshalError(first))
	}
	return len(result.Deleted), nil
}

// Copy performs a provider-side copy. It fails fast on any copy error; there
// is no get+put fallback and no retry.
func (c *Client) Copy(ctx context.Context, creds Credentials, srcKey, dstKey string) error {
	const op = "copy"
	headers := http.Header{}
	headers.Set("x-amz-copy-source", "/"+creds.Bucket+"/"+sigv4.EncodePath(normalizeKey(srcKey)))

	resp, err := c.do(ctx, creds, op, http.MethodPut, dstKey, nil, headers, nil, false)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return c.readError(op, resp)
	}
	return nil
}

// PresignGet mints a URL that authorizes a GET of key for the clamped expiry
// window. extra query parameters (e.g. response-content-disposition) are
// folded into the signature. Safe to hand to an untrusted client.
func (c *Client) PresignGet(creds Credentials, key string, expires time.Duration, extra url.Values) *url.URL {
	target := c.objectURL(creds, key)
	if len(extra) > 0 {
		target.RawQuery = extra.Encode()
	}
	return c.signer.Presign(creds.sigv4(), http.MethodGet, target, expires, c.now())
}

// PresignPut mints a URL authorizing a direct-to-storage PUT of key.
func (c *Client) PresignPut(creds Credentials, key string, expires time.Duration, extra url.Values) *url.URL {
	target := c.objectURL(creds, key)
	if len(extra) > 0 {
		target.RawQuery = extra.Encode()
	}
	return c.signer.Presign(creds.sigv4(), http.MethodPut, target, expires, c.now())
}

// do normalizes the body, signs the request, and issues it. Non-2xx handling
// stays with the caller; transport failures come back already translated.
func (c *Client) do(ctx context.Context, creds Credentials, op, method, key string, query url.Values, headers http.Header, body payload.Body, signedPayload bool) (*http.Response, error) {
	start := c.now()

	normalized, err := payload.Normalize(body)
	if err != nil {
		return nil, s3err.Protocolf(op, "normalize request body: %v", err)
	}
	hash, err := payload.HashOrSentinel(&normalized, signedPayload)
	if err != nil {
		return nil, s3err.Protocolf(op, "hash request body: %v", err)
	}

	target := c.objectURL(creds, key)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), normalized.Reader)
	if err != nil {
		return nil, s3err.Protocolf(op, "build request: %v", err)
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if normalized.Length >= 0 && normalized.Reader != nil {
		req.ContentLength = normalized.Length
	}

	c.signer.SignRequest(creds.sigv4(), req, hash, c.now())

	ctx, span := c.tracer.Start(ctx, "r2."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("r2.bucket", creds.Bucket),
		attribute.String("r2.op", op),
	)
	defer span.End()

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := c.now().Sub(start)
	if err != nil {
		c.observe(op, 0, err, elapsed)
		span.RecordError(err)
		return nil, s3err.Transport(op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.observe(op, sentBytes(normalized), nil, elapsed)
	return resp, nil
}

// readError drains the response body and translates it. The caller still
// closes the body.
func (c *Client) readError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		body = nil
	}
	return s3err.FromResponse(op, resp.StatusCode, body)
}

func (c *Client) objectURL(creds Credentials, key string) *url.URL {
	base := c.endpoint
	if base == "" {
		base = "https://" + creds.AccountID + endpointSuffix
	}
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{Scheme: "https", Host: creds.AccountID + endpointSuffix}
	}
	unescaped := "/" + creds.Bucket
	escaped := "/" + creds.Bucket
	if key != "" {
		normalized := normalizeKey(key)
		unescaped += "/" + normalized
		escaped += "/" + sigv4.EncodePath(normalized)
	}
	u.Path = u.Path + unescaped
	u.RawPath = u.Path
	if escaped != unescaped {
		u.RawPath = strings.TrimSuffix(u.Path, unescaped) + escaped
	}
	return u
}

func (c *Client) observe(op string, bytes int64, err error, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.Observe(op, bytes, err, elapsed)
	}
}

// normalizeKey strips leading slashes so the canonical URI is always
// /bucket/encoded-key-segments.
func normalizeKey(key string) string {
	return strings.TrimLeft(key, "/")
}

func userMetadata(headers http.Header) map[string]string {
	var meta map[string]string
	for name, values := range headers {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			if meta == nil {
				meta = map[string]string{}
			}
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}

func sentBytes(n payload.Normalized) int64 {
	if n.Length > 0 {
		return n.Length
	}
	return 0
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func mustMarshalError(e deleteError) []byte {
	encoded, err := xml.Marshal(struct {
		XMLName xml.Name `xml:"Error"`
		Code    string   `xml:"Code"`
		Message string   `xml:"Message"`
	}{Code: e.Code, Message: e.Message})
	if err != nil {
		return nil
	}
	return encoded
}
