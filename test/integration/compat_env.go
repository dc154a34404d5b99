package integration

import (
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"r2admin/internal/r2"
)

// CompatEnv is a fake S3 endpoint shared by the integration and compat test
// packages. It holds a single pre-created bucket and a client bound to it.
type CompatEnv struct {
	t       *testing.T
	server  *httptest.Server
	backend gofakes3.Backend

	Client *r2.Client
	Creds  r2.Credentials
}

func NewCompatEnv(t *testing.T) *CompatEnv {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	creds := r2.Credentials{
		AccountID:       "compat",
		AccessKeyID:     "AKIA4FIXEDTESTKEY0",
		SecretAccessKey: "fixedsecretfixedsecretfixedsecret00",
		Bucket:          "compat-bucket",
	}
	if err := backend.CreateBucket(creds.Bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	client := r2.New(r2.Options{
		Endpoint:   server.URL,
		HTTPClient: server.Client(),
	})
	return &CompatEnv{t: t, server: server, backend: backend, Client: client, Creds: creds}
}

func (e *CompatEnv) BaseURL() string { return e.server.URL }

// Bucket returns the name of the pre-created bucket.
func (e *CompatEnv) Bucket() string { return e.Creds.Bucket }
