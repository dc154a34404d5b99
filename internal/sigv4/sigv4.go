// Package sigv4 implements client-side AWS Signature Version 4 signing for
// S3-compatible endpoints. It produces Authorization headers for direct
// requests and query-string signatures for presigned URLs. Region is the
// Cloudflare R2 literal "auto" and service is "s3".
package sigv4

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm       = "AWS4-HMAC-SHA256"
	DateFormat      = "20060102T150405Z"
	ShortDateFormat = "20060102"

	// UnsignedPayload is the sentinel hash used for all object data
	// transfers; bodies are only hashed when they must be authenticated.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// EmptyPayloadHash is hex(sha256("")).
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	Region  = "auto"
	Service = "s3"
)

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Scope returns the credential scope string for a short date stamp,
// e.g. "20260213/auto/s3/aws4_request".
func Scope(dateStamp string) string {
	return dateStamp + "/" + Region + "/" + Service + "/aws4_request"
}

// BuildCanonicalRequest assembles the exact byte string that gets hashed and
// signed: method, per-segment encoded URI, sorted encoded query, lowercase
// sorted headers, the signed-header list, and the payload hash.
func BuildCanonicalRequest(method, rawPath string, query url.Values, headers http.Header, host string, signedHeaders []string, payloadHash string) string {
	if payloadHash == "" {
		payloadHash = EmptyPayloadHash
	}
	canonHeaders, signed := canonicalHeaders(headers, host, signedHeaders)
	return strings.Join([]string{
		method,
		canonicalURI(rawPath),
		canonicalQuery(query),
		canonHeaders,
		signed,
		payloadHash,
	}, "\n")
}

// BuildStringToSign hashes the canonical request and prefixes the algorithm
// identifier, request timestamp, and credential scope.
func BuildStringToSign(canonicalRequest string, requestTime time.Time) string {
	h := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		Algorithm,
		requestTime.UTC().Format(DateFormat),
		Scope(requestTime.UTC().Format(ShortDateFormat)),
		hex.EncodeToString(h[:]),
	}, "\n")
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i := range parts {
		decoded := parts[i]
		if unescaped, err := url.PathUnescape(parts[i]); err == nil {
			decoded = unescaped
		}
		parts[i] = s3Encode(decoded, true)
	}
	result := strings.Join(parts, "/")
	if !strings.HasPrefix(result, "/") {
		result = "/" + result
	}
	return result
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, s3Encode(key, true)+"="+s3Encode(v, true))
		}
	}
	return strings.Join(pairs, "&")
}

func canonicalHeaders(headers http.Header, host string, signedHeaders []string) (string, string) {
	normalized := make([]string, 0, len(signedHeaders))
	for _, signed := range signedHeaders {
		lower := strings.ToLower(strings.TrimSpace(signed))
		var value string
		if lower == "host" {
			value = host
		} else {
			rawValues := headers.Values(http.CanonicalHeaderKey(lower))
			cleanValues := make([]string, 0, len(rawValues))
			for _, raw := range rawValues {
				cleanValues = append(cleanValues, strings.Join(strings.Fields(raw), " "))
			}
			value = strings.Join(cleanValues, ",")
		}
		value = strings.Join(strings.Fields(value), " ")
		normalized = append(normalized, lower+":"+value)
	}
	return strings.Join(normalized, "\n") + "\n", strings.Join(signedHeaders, ";")
}

// EncodePath percent-encodes an object key for use as the URI path below the
// bucket, preserving segment separators. Everything outside the RFC 3986
// unreserved set is escaped, including the characters encodeURIComponent
// leaves alone.
func EncodePath(key string) string {
	return s3Encode(key, false)
}

func s3Encode(value string, encodeSlash bool) string {
	const hexChars = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(value) * 3)
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexChars[c>>4])
		b.WriteByte(hexChars[c&0x0F])
	}
	return b.String()
}

// HashPayload returns the hex SHA-256 digest of a body that must be
// authenticated, such as multipart completion XML.
func HashPayload(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
