package sigv4

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestBuildCanonicalRequestIsDeterministic(t *testing.T) {
	t.Parallel()
	query := url.Values{"prefix": {"a b"}, "list-type": {"2"}}
	headers := http.Header{}
	headers.Set("X-Amz-Date", "20260213T100000Z")
	headers.Set("X-Amz-Content-Sha256", UnsignedPayload)

	first := BuildCanonicalRequest(http.MethodGet, "/bucket/key", query, headers, "example.test", []string{"host", "x-amz-content-sha256", "x-amz-date"}, UnsignedPayload)
	for i := 0; i < 10; i++ {
		again := BuildCanonicalRequest(http.MethodGet, "/bucket/key", query, headers, "example.test", []string{"host", "x-amz-content-sha256", "x-amz-date"}, UnsignedPayload)
		if again != first {
			t.Fatalf("canonical request not deterministic:\n%s\nvs\n%s", first, again)
		}
	}
	if !strings.Contains(first, "list-type=2&prefix=a%20b") {
		t.Fatalf("canonical request missing sorted encoded query: %s", first)
	}
}

func TestCanonicalQuerySortsByEncodedKeyThenValue(t *testing.T) {
	t.Parallel()
	query := url.Values{
		"uploadId":   {"zzz"},
		"partNumber": {"10", "2"},
	}
	got := canonicalQuery(query)
	want := "partNumber=10&partNumber=2&uploadId=zzz"
	if got != want {
		t.Fatalf("canonical query = %q, want %q", got, want)
	}
}

func TestCanonicalURIEncodesPerSegment(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		want string
	}{
		{"plain", "/bucket/key", "/bucket/key"},
		{"space", "/bucket/foo%20bar.txt", "/bucket/foo%20bar.txt"},
		{"reserved", "/bucket/a!b'c(d)e*f", "/bucket/a%21b%27c%28d%29e%2Af"},
		{"empty", "", "/"},
		{"nested", "/bucket/dir/sub/file.bin", "/bucket/dir/sub/file.bin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := canonicalURI(tc.path); got != tc.want {
				t.Fatalf("canonicalURI(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestCanonicalHeadersCollapseWhitespaceAndJoinDuplicates(t *testing.T) {
	t.Parallel()
	headers := http.Header{}
	headers.Add("X-Amz-Meta-Label", "  alpha   beta ")
	headers.Add("X-Amz-Meta-Label", "gamma")
	canonical, signed := canonicalHeaders(headers, "example.test", []string{"host", "x-amz-meta-label"})
	if !strings.Contains(canonical, "x-amz-meta-label:alpha beta,gamma") {
		t.Fatalf("expected collapsed duplicate header values, got %q", canonical)
	}
	if signed != "host;x-amz-meta-label" {
		t.Fatalf("unexpected signed header list %q", signed)
	}
}

func TestEncodePathKeepsSlashes(t *testing.T) {
	t.Parallel()
	if got := EncodePath("reports/2026/q1 summary.pdf"); got != "reports/2026/q1%20summary.pdf" {
		t.Fatalf("EncodePath = %q", got)
	}
}

func TestBuildStringToSignLayout(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	sts := BuildStringToSign("canonical", at)
	lines := strings.Split(sts, "\n")
	if len(lines) != 4 {
		t.Fatalf("string to sign has %d lines, want 4: %q", len(lines), sts)
	}
	if lines[0] != Algorithm || lines[1] != "20260213T100000Z" || lines[2] != "20260213/auto/s3/aws4_request" {
		t.Fatalf("unexpected string to sign prefix: %q", sts)
	}
}
