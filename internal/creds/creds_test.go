package creds

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

const sampleFile = `buckets:
  - name: media
    account_id: 0123456abcdef
    access_key: AKIAMEDIA0000000001
    secret_key: media-secret
    bucket: prod-media
  - name: reports
    account_id: 0123456abcdef
    access_key: AKIAREPORTS00000001
    secret_key: reports-secret
principals:
  - name: alice
    allow:
      - action: object:list
        bucket: "*"
      - action: object:get
        bucket: "*"
      - action: object:put
        bucket: media
  - name: viewer
    allow:
      - action: object:get
        bucket: reports
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
	return path
}

func TestLoadFileResolve(t *testing.T) {
	t.Parallel()
	store, err := LoadFile(writeFile(t, sampleFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	creds, ok := store.Resolve("media")
	if !ok {
		t.Fatal("expected media bucket to resolve")
	}
	if creds.AccountID != "0123456abcdef" || creds.AccessKeyID != "AKIAMEDIA0000000001" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if creds.Bucket != "prod-media" {
		t.Fatalf("provider bucket = %q, want prod-media", creds.Bucket)
	}

	// Provider bucket defaults to the logical name.
	creds, ok = store.Resolve("reports")
	if !ok {
		t.Fatal("expected reports bucket to resolve")
	}
	if creds.Bucket != "reports" {
		t.Fatalf("provider bucket = %q, want reports", creds.Bucket)
	}

	if _, ok := store.Resolve("unknown"); ok {
		t.Fatal("unknown bucket must not resolve")
	}
}

func TestAllowedDenyByDefault(t *testing.T) {
	t.Parallel()
	store, err := LoadFile(writeFile(t, sampleFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !store.Allowed("alice", "object:put", "media") {
		t.Fatal("expected alice object:put on media")
	}
	if store.Allowed("alice", "object:put", "reports") {
		t.Fatal("expected deny for unmatched bucket")
	}
	if store.Allowed("alice", "object:delete", "media") {
		t.Fatal("expected deny-by-default for ungranted action")
	}
	if store.Allowed("mallory", "object:get", "media") {
		t.Fatal("unknown principal must be denied")
	}
	if store.Allowed("alice", "bucket:create", "media") {
		t.Fatal("unknown action must be denied")
	}
}

func TestBucketsFor(t *testing.T) {
	t.Parallel()
	store, err := LoadFile(writeFile(t, sampleFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	got := store.BucketsFor("alice")
	if len(got) != 2 || got[0] != "media" || got[1] != "reports" {
		t.Fatalf("alice buckets = %v", got)
	}
	if got := store.BucketsFor("viewer"); len(got) != 0 {
		t.Fatalf("viewer buckets = %v, want none", got)
	}
}

func TestLoadFileRejectsDuplicateBucketNames(t *testing.T) {
	t.Parallel()
	content := `buckets:
  - name: media
    account_id: acc
    access_key: KEY1
    secret_key: s1
  - name: media
    account_id: acc
    access_key: KEY2
    secret_key: s2
principals:
  - name: alice
    allow:
      - action: object:get
        bucket: media
`
	_, err := LoadFile(writeFile(t, content))
	if err == nil {
		t.Fatal("expected duplicate bucket validation error")
	}
	if !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate error, got: %v", err)
	}
}

func TestLoadFileRejectsInvalidAction(t *testing.T) {
	t.Parallel()
	content := `buckets:
  - name: media
    account_id: acc
    access_key: KEY1
    secret_key: s1
principals:
  - name: alice
    allow:
      - action: object:explode
        bucket: media
`
	_, err := LoadFile(writeFile(t, content))
	if err == nil {
		t.Fatal("expected invalid action error")
	}
	if !strings.Contains(err.Error(), "object:explode") {
		t.Fatalf("expected action name in error, got: %v", err)
	}
	for _, action := range AllowedActions() {
		if !strings.Contains(err.Error(), action) {
			t.Fatalf("expected %q listed in error, got: %v", action, err)
		}
	}
}

func TestAllowedActionsSorted(t *testing.T) {
	t.Parallel()
	actions := AllowedActions()
	if len(actions) != 6 {
		t.Fatalf("actions = %v", actions)
	}
	if !sort.StringsAreSorted(actions) {
		t.Fatalf("actions not sorted: %v", actions)
	}
	if actions[0] != "object:delete" || actions[len(actions)-1] != "object:share" {
		t.Fatalf("unexpected action set: %v", actions)
	}
}

func TestLoadFileCollectsAllErrors(t *testing.T) {
	t.Parallel()
	content := `buckets:
  - name: ""
    account_id: ""
    access_key: ""
    secret_key: ""
principals:
  - name: alice
    allow: []
`
	_, err := LoadFile(writeFile(t, content))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"name is required", "account_id is required", "access_key is required", "secret_key is required", "allow must contain"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q: %v", want, err)
		}
	}
}

func TestIsValidBucketName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		valid bool
	}{
		{"prod-media", true},
		{"abc", true},
		{"a1-b2-c3", true},
		{"ab", false},
		{"-leading", false},
		{"trailing-", false},
		{"UpperCase", false},
		{"has.dot", false},
		{"has_underscore", false},
		{strings.Repeat("a", 64), false},
		{strings.Repeat("a", 63), true},
	}
	for _, tc := range cases {
		if got := IsValidBucketName(tc.name); got != tc.valid {
			t.Errorf("IsValidBucketName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestGlobMatch(t *testing.T) {
	t.Parallel()
	if !globMatch("backup-*", "backup-prod") {
		t.Fatal("expected wildcard to match")
	}
	if globMatch("logs-*", "backup-prod") {
		t.Fatal("did not expect unrelated pattern to match")
	}
	if !globMatch("bucket-?", "bucket-1") {
		t.Fatal("expected single-character wildcard to match")
	}
	if globMatch("bucket-?", "bucket-12") {
		t.Fatal("did not expect single-character wildcard to match two characters")
	}
}
