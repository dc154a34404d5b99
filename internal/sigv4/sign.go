package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Presigned URLs are valid for at most seven days per the SigV4 rules;
	// requested expiries are clamped into [MinPresignExpiry, MaxPresignExpiry].
	MinPresignExpiry = time.Second
	MaxPresignExpiry = 7 * 24 * time.Hour
)

// KeyCache stores derived signing keys. A signing key is scoped to one
// calendar day and one credential set, so implementations key on
// (access key, date stamp). Caching is an optimization only; recomputing
// the key on every call is equally correct.
type KeyCache interface {
	Get(accessKeyID, dateStamp string) ([]byte, bool)
	Put(accessKeyID, dateStamp string, key []byte)
}

// MapCache is a mutex-guarded KeyCache. The zero value is ready to use.
type MapCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (c *MapCache) Get(accessKeyID, dateStamp string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.keys[accessKeyID+"/"+dateStamp]
	return key, ok
}

func (c *MapCache) Put(accessKeyID, dateStamp string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string][]byte{}
	}
	c.keys[accessKeyID+"/"+dateStamp] = key
}

// Signer signs HTTP requests and mints presigned URLs. The zero value signs
// correctly without caching; set Cache to reuse derived keys across calls.
type Signer struct {
	Cache KeyCache
}

// SigningKey derives the per-day signing key by the four chained HMAC steps:
// secret -> date -> region -> service -> "aws4_request".
func SigningKey(secret, dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(Region))
	kService := hmacSHA256(kRegion, []byte(Service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

// SignatureHex computes the hex HMAC-SHA256 of a string-to-sign under a
// derived signing key.
func SignatureHex(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

// SignRequest canonicalizes r, signs it with creds, and sets the X-Amz-Date,
// X-Amz-Content-Sha256, and Authorization headers. The signed-header list is
// host plus every x-amz-* header present on the request. An empty payloadHash
// signs the unsigned-payload sentinel.
func (s *Signer) SignRequest(creds Credentials, r *http.Request, payloadHash string, now time.Time) {
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}
	now = now.UTC()
	amzDate := now.Format(DateFormat)
	dateStamp := now.Format(ShortDateFormat)

	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Set("X-Amz-Content-Sha256", payloadHash)

	signedHeaders := []string{"host"}
	for name := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-") {
			signedHeaders = append(signedHeaders, lower)
		}
	}
	sort.Strings(signedHeaders)

	canonical := BuildCanonicalRequest(r.Method, rawPath(r.URL), r.URL.Query(), r.Header, hostOf(r), signedHeaders, payloadHash)
	stringToSign := BuildStringToSign(canonical, now)
	signature := SignatureHex(s.signingKey(creds, dateStamp), stringToSign)

	r.Header.Set("Authorization", Algorithm+
		" Credential="+creds.AccessKeyID+"/"+Scope(dateStamp)+
		", SignedHeaders="+strings.Join(signedHeaders, ";")+
		", Signature="+signature)
}

// Presign returns a copy of u carrying a query-string signature that
// authorizes method for the clamped expiry window. Caller-supplied query
// parameters already present on u (partNumber, uploadId,
// response-content-disposition, ...) are folded into the signed query.
// The payload hash for presigned URLs is always the unsigned sentinel.
func (s *Signer) Presign(creds Credentials, method string, u *url.URL, expires time.Duration, now time.Time) *url.URL {
	if expires < MinPresignExpiry {
		expires = MinPresignExpiry
	}
	if expires > MaxPresignExpiry {
		expires = MaxPresignExpiry
	}
	now = now.UTC()
	amzDate := now.Format(DateFormat)
	dateStamp := now.Format(ShortDateFormat)

	query := u.Query()
	query.Set("X-Amz-Algorithm", Algorithm)
	query.Set("X-Amz-Credential", creds.AccessKeyID+"/"+Scope(dateStamp))
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	query.Set("X-Amz-SignedHeaders", "host")

	canonical := BuildCanonicalRequest(method, rawPath(u), query, nil, u.Host, []string{"host"}, UnsignedPayload)
	stringToSign := BuildStringToSign(canonical, now)
	query.Set("X-Amz-Signature", SignatureHex(s.signingKey(creds, dateStamp), stringToSign))

	signed := *u
	signed.RawQuery = query.Encode()
	return &signed
}

func (s *Signer) signingKey(creds Credentials, dateStamp string) []byte {
	if s.Cache != nil {
		if key, ok := s.Cache.Get(creds.AccessKeyID, dateStamp); ok {
			return key
		}
	}
	key := SigningKey(creds.SecretAccessKey, dateStamp)
	if s.Cache != nil {
		s.Cache.Put(creds.AccessKeyID, dateStamp, key)
	}
	return key
}

func rawPath(u *url.URL) string {
	if u.RawPath != "" {
		return u.RawPath
	}
	return u.EscapedPath()
}

func hostOf(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}

func hmacSHA256(key, value []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(value)
	return mac.Sum(nil)
}
