package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"r2admin/internal/admin"
	"r2admin/internal/creds"
	"r2admin/internal/obs/metrics"
	"r2admin/internal/r2"
)

// tokenSealer maps bearer tokens to principals for tests. Production swaps in
// whatever the deployment uses; the service only sees the interface.
type tokenSealer map[string]string

func (s tokenSealer) Seal(principal string, _ time.Time) (string, error) {
	for token, p := range s {
		if p == principal {
			return token, nil
		}
	}
	return "", errors.New("unknown principal")
}

func (s tokenSealer) Unseal(token string) (string, error) {
	p, ok := s[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return p, nil
}

type adminEnv struct {
	t          *testing.T
	server     *httptest.Server
	collectors *metrics.Metrics
}

// newAdminEnv wires the full stack the binary runs: a credential file loaded
// from disk, the r2 client against a fake endpoint, the admin service, and
// the metrics middleware in front of its handler.
func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	compat := NewCompatEnv(t)

	credsYAML := fmt.Sprintf(`buckets:
  - name: "media"
    account_id: %q
    access_key: %q
    secret_key: %q
    bucket: %q
principals:
  - name: "admin"
    allow:
      - action: "object:list"
        bucket: "*"
      - action: "object:get"
        bucket: "*"
      - action: "object:head"
        bucket: "*"
      - action: "object:put"
        bucket: "*"
      - action: "object:delete"
        bucket: "*"
      - action: "object:share"
        bucket: "*"
  - name: "viewer"
    allow:
      - action: "object:list"
        bucket: "media"
      - action: "object:get"
        bucket: "media"
`, compat.Creds.AccountID, compat.Creds.AccessKeyID, compat.Creds.SecretAccessKey, compat.Creds.Bucket)

	credsPath := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(credsPath, []byte(credsYAML), 0o600); err != nil {
		t.Fatalf("write credentials file: %v", err)
	}
	store, err := creds.LoadFile(credsPath)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}

	collectors := metrics.New()
	client := r2.New(r2.Options{Endpoint: compat.BaseURL(), Metrics: collectors})
	svc := &admin.Service{
		Store:       store,
		Client:      client,
		Sealer:      tokenSealer{"admin-token": "admin", "viewer-token": "viewer"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxShareAge: time.Hour,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", collectors.Handler())
	mux.Handle("/api/", collectors.Middleware(svc.Handler()))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &adminEnv{t: t, server: server, collectors: collectors}
}

func (e *adminEnv) do(method, path, token string, body io.Reader, header http.Header) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *adminEnv) must(method, path, token string, body io.Reader, header http.Header, want int) []byte {
	e.t.Helper()
	resp := e.do(method, path, token, body, header)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != want {
		e.t.Fatalf("%s %s status=%d want=%d body=%s", method, path, resp.StatusCode, want, payload)
	}
	return payload
}

func TestIntegrationObjectLifecycle(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	buckets := env.must(http.MethodGet, "/api/buckets", "admin-token", nil, nil, http.StatusOK)
	if !bytes.Contains(buckets, []byte(`"media"`)) {
		t.Fatalf("bucket listing missing media: %s", buckets)
	}

	hdr := http.Header{"Content-Type": {"text/plain"}, "X-Amz-Meta-Owner": {"ops"}}
	env.must(http.MethodPut, "/api/buckets/media/objects/reports/q1.txt", "admin-token", strings.NewReader("q1 numbers"), hdr, http.StatusOK)

	got := env.must(http.MethodGet, "/api/buckets/media/objects/reports/q1.txt", "admin-token", nil, nil, http.StatusOK)
	if string(got) != "q1 numbers" {
		t.Fatalf("payload mismatch: %q", got)
	}

	headResp := env.do(http.MethodHead, "/api/buckets/media/objects/reports/q1.txt", "admin-token", nil, nil)
	headResp.Body.Close()
	if headResp.StatusCode != http.StatusOK {
		t.Fatalf("head status=%d", headResp.StatusCode)
	}
	if headResp.Header.Get("X-Amz-Meta-Owner") != "ops" {
		t.Fatalf("metadata missing from head: %v", headResp.Header)
	}

	page := env.must(http.MethodGet, "/api/buckets/media/objects?prefix=reports/", "admin-token", nil, nil, http.StatusOK)
	var browse struct {
		Entries []struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(page, &browse); err != nil {
		t.Fatalf("decode browse page: %v", err)
	}
	if len(browse.Entries) != 1 || browse.Entries[0].Key != "reports/q1.txt" {
		t.Fatalf("unexpected browse page: %s", page)
	}

	env.must(http.MethodDelete, "/api/buckets/media/objects/reports/q1.txt", "admin-token", nil, nil, http.StatusNoContent)
	missing := env.do(http.MethodHead, "/api/buckets/media/objects/reports/q1.txt", "admin-token", nil, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.StatusCode)
	}
}

func TestIntegrationAuthorizationAllowDeny(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	env.must(http.MethodPut, "/api/buckets/media/objects/pub.txt", "admin-token", strings.NewReader("x"), nil, http.StatusOK)

	// The viewer can read but not write.
	env.must(http.MethodGet, "/api/buckets/media/objects/pub.txt", "viewer-token", nil, nil, http.StatusOK)
	env.must(http.MethodPut, "/api/buckets/media/objects/pub.txt", "viewer-token", strings.NewReader("y"), nil, http.StatusForbidden)
	env.must(http.MethodDelete, "/api/buckets/media/objects/pub.txt", "viewer-token", nil, nil, http.StatusForbidden)

	// Bad and absent tokens never reach the service.
	env.must(http.MethodGet, "/api/buckets", "bogus-token", nil, nil, http.StatusUnauthorized)
	env.must(http.MethodGet, "/api/buckets", "", nil, nil, http.StatusUnauthorized)
}

func TestIntegrationShareLink(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	env.must(http.MethodPut, "/api/buckets/media/objects/shared.pdf", "admin-token", strings.NewReader("pdf bytes"), nil, http.StatusOK)

	reqBody := `{"key":"shared.pdf","ttl_seconds":600,"download_name":"report.pdf"}`
	out := env.must(http.MethodPost, "/api/buckets/media/share", "admin-token", strings.NewReader(reqBody), nil, http.StatusOK)
	var share struct {
		URL       string `json:"url"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(out, &share); err != nil {
		t.Fatalf("decode share response: %v", err)
	}
	if share.ExpiresAt == "" {
		t.Fatalf("missing expiry: %s", out)
	}

	// The link works without any bearer token: only the signature gates it.
	resp, err := http.Get(share.URL)
	if err != nil {
		t.Fatalf("fetch share link: %v", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(payload) != "pdf bytes" {
		t.Fatalf("share link status=%d body=%s", resp.StatusCode, payload)
	}

	env.must(http.MethodPost, "/api/buckets/media/share", "viewer-token", strings.NewReader(reqBody), nil, http.StatusForbidden)
}

func TestIntegrationMultipartUpload(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	start := env.must(http.MethodPost, "/api/buckets/media/uploads", "admin-token",
		strings.NewReader(`{"key":"big.bin","content_type":"application/octet-stream"}`), nil, http.StatusOK)
	var session struct {
		Key      string `json:"key"`
		UploadID string `json:"upload_id"`
	}
	if err := json.Unmarshal(start, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.UploadID == "" {
		t.Fatalf("missing upload id: %s", start)
	}

	chunk := bytes.Repeat([]byte("z"), 5*1024*1024)
	base := "/api/buckets/media/uploads/" + session.UploadID
	var parts []string
	for i, body := range [][]byte{chunk, []byte("tail")} {
		out := env.must(http.MethodPut, fmt.Sprintf("%s/parts/%d?key=big.bin", base, i+1), "admin-token", bytes.NewReader(body), nil, http.StatusOK)
		var part struct {
			PartNumber int    `json:"part_number"`
			ETag       string `json:"etag"`
		}
		if err := json.Unmarshal(out, &part); err != nil {
			t.Fatalf("decode part %d: %v", i+1, err)
		}
		parts = append(parts, fmt.Sprintf(`{"part_number":%d,"etag":%q}`, part.PartNumber, part.ETag))
	}

	complete := `{"key":"big.bin","parts":[` + strings.Join(parts, ",") + `]}`
	env.must(http.MethodPost, base+"/complete", "admin-token", strings.NewReader(complete), nil, http.StatusOK)

	head := env.do(http.MethodHead, "/api/buckets/media/objects/big.bin", "admin-token", nil, nil)
	head.Body.Close()
	if head.StatusCode != http.StatusOK {
		t.Fatalf("head after complete status=%d", head.StatusCode)
	}
	wantSize := fmt.Sprint(len(chunk) + len("tail"))
	if head.Header.Get("Content-Length") != wantSize {
		t.Fatalf("assembled size=%s want=%s", head.Header.Get("Content-Length"), wantSize)
	}
}

func TestIntegrationMetricsExposed(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	env.must(http.MethodPut, "/api/buckets/media/objects/m.txt", "admin-token", strings.NewReader("m"), nil, http.StatusOK)
	env.must(http.MethodGet, "/api/buckets/media/objects/m.txt", "admin-token", nil, nil, http.StatusOK)

	body := env.must(http.MethodGet, "/metrics", "", nil, nil, http.StatusOK)
	for _, metric := range []string{"r2admin_http_requests_total", "r2admin_storage_ops_total"} {
		if !bytes.Contains(body, []byte(metric)) {
			t.Fatalf("metrics output missing %s:\n%s", metric, body)
		}
	}
}
