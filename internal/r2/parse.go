package r2

import (
	"encoding/xml"
	"strings"
	"time"

	"r2admin/internal/s3err"
)

// The provider's XML shapes, decoded with encoding/xml. First-match semantics
// per repeated block and entity decoding come with the decoder.

type listBucketResult struct {
	XMLName               xml.Name             `xml:"ListBucketResult"`
	IsTruncated           bool                 `xml:"IsTruncated"`
	NextContinuationToken string               `xml:"NextContinuationToken"`
	Contents              []listObjectContents `xml:"Contents"`
	CommonPrefixes        []commonPrefix       `xml:"CommonPrefixes"`
}

type listObjectContents struct {
	Key          string `xml:"Key"`
	Size         *int64 `xml:"Size"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	ETag    string   `xml:"ETag"`
}

type deleteResult struct {
	XMLName xml.Name        `xml:"DeleteResult"`
	Deleted []deletedObject `xml:"Deleted"`
	Errors  []deleteError   `xml:"Error"`
}

type deletedObject struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func parseListResult(op string, body []byte) (ListResult, error) {
	var decoded listBucketResult
	if err := xml.Unmarshal(body, &decoded); err != nil {
		return ListResult{}, s3err.Protocolf(op, "malformed list response: %v", err)
	}

	result := ListResult{
		Truncated: decoded.IsTruncated,
		Cursor:    decoded.NextContinuationToken,
	}
	for _, item := range decoded.Contents {
		summary := ObjectSummary{Key: item.Key, ETag: stripETag(item.ETag)}
		if item.Size != nil {
			summary.Size = *item.Size
		}
		if ts := parseObjectTime(item.LastModified); !ts.IsZero() {
			summary.Uploaded = ts
		}
		result.Objects = append(result.Objects, summary)
	}
	for _, cp := range decoded.CommonPrefixes {
		if cp.Prefix != "" {
			result.DelimitedPrefixes = append(result.DelimitedPrefixes, cp.Prefix)
		}
	}
	return result, nil
}

func parseInitiateResult(op string, body []byte) (string, error) {
	var decoded initiateMultipartUploadResult
	if err := xml.Unmarshal(body, &decoded); err != nil {
		return "", s3err.Protocolf(op, "malformed create-multipart response: %v", err)
	}
	if decoded.UploadID == "" {
		return "", s3err.Protocolf(op, "create-multipart response missing UploadId")
	}
	return decoded.UploadID, nil
}

func parseObjectTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.RFC1123} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// stripETag removes the quoting providers wrap around ETag values.
func stripETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
