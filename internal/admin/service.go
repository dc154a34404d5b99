// Package admin is the application-facing facade over the storage client.
// Every operation runs the same path: check the principal's grant, resolve
// the logical bucket to signing credentials, then call the client.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"r2admin/internal/payload"
	"r2admin/internal/r2"
)

var (
	// ErrForbidden means the principal holds no grant for the action.
	ErrForbidden = errors.New("forbidden")
	// ErrUnknownBucket means no logical bucket with that name is configured.
	ErrUnknownBucket = errors.New("unknown bucket")
)

// CredentialStore resolves logical buckets to signing credentials and
// answers grant checks. Implemented by creds.Store.
type CredentialStore interface {
	Resolve(bucket string) (r2.Credentials, bool)
	Allowed(principal, action, bucket string) bool
	BucketsFor(principal string) []string
}

// Storage is the slice of the storage client the facade needs.
// Implemented by r2.Client.
type Storage interface {
	List(ctx context.Context, creds r2.Credentials, opts r2.ListOptions) (r2.ListResult, error)
	Get(ctx context.Context, creds r2.Credentials, key string, byteRange *r2.RangeSpec) (*r2.Object, error)
	Head(ctx context.Context, creds r2.Credentials, key string) (*r2.ObjectInfo, error)
	Put(ctx context.Context, creds r2.Credentials, key string, body payload.Body, opts r2.PutOptions) (string, error)
	Delete(ctx context.Context, creds r2.Credentials, key string) error
	DeleteMany(ctx context.Context, creds r2.Credentials, keys []string) (int, error)
	PresignGet(creds r2.Credentials, key string, expires time.Duration, extra url.Values) *url.URL
	PresignPut(creds r2.Credentials, key string, expires time.Duration, extra url.Values) *url.URL
	CreateMultipartUpload(ctx context.Context, creds r2.Credentials, key string, opts r2.PutOptions) (*r2.Upload, error)
	ResumeUpload(creds r2.Credentials, key, uploadID string) *r2.Upload
}

// TokenSealer turns a principal name into an opaque bearer token and back.
// The sealed form is what browsers hold; the implementation lives outside
// this module.
type TokenSealer interface {
	Seal(principal string, expiry time.Time) (string, error)
	Unseal(token string) (principal string, err error)
}

type Service struct {
	Store  CredentialStore
	Client Storage
	Sealer TokenSealer
	Logger *slog.Logger
	// MaxShareAge caps ShareLink expiry. Zero means the signing limit of
	// seven days applies unchanged.
	MaxShareAge time.Duration
	Now         func() time.Time
}

type BrowseOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

type Entry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// Page is one browse result: direct entries plus folder prefixes one
// delimiter level down.
type Page struct {
	Entries   []Entry  `json:"entries"`
	Folders   []string `json:"folders"`
	Cursor    string   `json:"cursor,omitempty"`
	Truncated bool     `json:"truncated"`
}

// UploadSession identifies one in-flight multipart upload.
type UploadSession struct {
	Key      string `json:"key"`
	UploadID string `json:"upload_id"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) resolve(principal, action, bucket string) (r2.Credentials, error) {
	if !s.Store.Allowed(principal, action, bucket) {
		return r2.Credentials{}, ErrForbidden
	}
	creds, ok := s.Store.Resolve(bucket)
	if !ok {
		return r2.Credentials{}, ErrUnknownBucket
	}
	return creds, nil
}

// Buckets lists the logical buckets the principal may browse.
func (s *Service) Buckets(principal string) []string {
	return s.Store.BucketsFor(principal)
}

// Browse lists one page of a bucket, folder-style: Prefix scopes the page,
// "/" is the delimiter.
func (s *Service) Browse(ctx context.Context, principal, bucket string, opts BrowseOptions) (*Page, error) {
	creds, err := s.resolve(principal, "object:list", bucket)
	if err != nil {
		return nil, err
	}
	result, err := s.Client.List(ctx, creds, r2.ListOptions{
		Prefix:    opts.Prefix,
		Delimiter: "/",
		Cursor:    opts.Cursor,
		MaxKeys:   opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	page := &Page{
		Entries:   make([]Entry, 0, len(result.Objects)),
		Folders:   result.DelimitedPrefixes,
		Cursor:    result.Cursor,
		Truncated: result.Truncated,
	}
	for _, obj := range result.Objects {
		page.Entries = append(page.Entries, Entry{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.Uploaded,
			ETag:         obj.ETag,
		})
	}
	return page, nil
}

// Stat returns object metadata, or (nil, nil) when the key does not exist.
func (s *Service) Stat(ctx context.Context, principal, bucket, key string) (*r2.ObjectInfo, error) {
	creds, err := s.resolve(principal, "object:head", bucket)
	if err != nil {
		return nil, err
	}
	return s.Client.Head(ctx, creds, key)
}

// Open streams object content, or (nil, nil) when the key does not exist.
// The caller owns the returned body.
func (s *Service) Open(ctx context.Context, principal, bucket, key string, byteRange *r2.RangeSpec) (*r2.Object, error) {
	creds, err := s.resolve(principal, "object:get", bucket)
	if err != nil {
		return nil, err
	}
	return s.Client.Get(ctx, creds, key, byteRange)
}

// Upload stores an object in one request and returns its ETag.
func (s *Service) Upload(ctx context.Context, principal, bucket, key string, body payload.Body, opts r2.PutOptions) (string, error) {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return "", err
	}
	return s.Client.Put(ctx, creds, key, body, opts)
}

// Remove deletes one object. Deleting an absent key succeeds.
func (s *Service) Remove(ctx context.Context, principal, bucket, key string) error {
	creds, err := s.resolve(principal, "object:delete", bucket)
	if err != nil {
		return err
	}
	return s.Client.Delete(ctx, creds, key)
}

// RemoveMany deletes a set of keys and returns how many were confirmed
// deleted before any failure.
func (s *Service) RemoveMany(ctx context.Context, principal, bucket string, keys []string) (int, error) {
	creds, err := s.resolve(principal, "object:delete", bucket)
	if err != nil {
		return 0, err
	}
	return s.Client.DeleteMany(ctx, creds, keys)
}

// ShareLink returns a presigned GET URL for the key and its expiry time.
// ttl is clamped to MaxShareAge when one is configured; downloadName, when
// set, makes browsers save the object under that filename.
func (s *Service) ShareLink(principal, bucket, key string, ttl time.Duration, downloadName string) (*url.URL, time.Time, error) {
	creds, err := s.resolve(principal, "object:share", bucket)
	if err != nil {
		return nil, time.Time{}, err
	}
	if s.MaxShareAge > 0 && ttl > s.MaxShareAge {
		ttl = s.MaxShareAge
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	var extra url.Values
	if downloadName != "" {
		extra = url.Values{
			"response-content-disposition": {`attachment; filename="` + downloadName + `"`},
		}
	}
	signed := s.Client.PresignGet(creds, key, ttl, extra)
	return signed, s.now().Add(ttl), nil
}

// UploadLink returns a presigned PUT URL so a browser can send object bytes
// straight to the provider. The grant checked is the write grant, not the
// share grant: whoever may upload through this API may also upload directly.
func (s *Service) UploadLink(principal, bucket, key string, ttl time.Duration) (*url.URL, time.Time, error) {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return nil, time.Time{}, err
	}
	if s.MaxShareAge > 0 && ttl > s.MaxShareAge {
		ttl = s.MaxShareAge
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	signed := s.Client.PresignPut(creds, key, ttl, nil)
	return signed, s.now().Add(ttl), nil
}

// StartUpload opens a multipart session for large transfers.
func (s *Service) StartUpload(ctx context.Context, principal, bucket, key string, opts r2.PutOptions) (UploadSession, error) {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return UploadSession{}, err
	}
	upload, err := s.Client.CreateMultipartUpload(ctx, creds, key, opts)
	if err != nil {
		return UploadSession{}, err
	}
	return UploadSession{Key: upload.Key, UploadID: upload.UploadID}, nil
}

// PutPart transfers one part of an open session.
func (s *Service) PutPart(ctx context.Context, principal, bucket string, session UploadSession, partNumber int, body payload.Body) (r2.Part, error) {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return r2.Part{}, err
	}
	upload := s.Client.ResumeUpload(creds, session.Key, session.UploadID)
	return upload.UploadPart(ctx, partNumber, body)
}

// FinishUpload completes the session from the collected parts and returns
// the assembled object's ETag.
func (s *Service) FinishUpload(ctx context.Context, principal, bucket string, session UploadSession, parts []r2.Part) (string, error) {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return "", err
	}
	upload := s.Client.ResumeUpload(creds, session.Key, session.UploadID)
	return upload.Complete(ctx, parts)
}

// CancelUpload aborts the session, discarding uploaded parts.
func (s *Service) CancelUpload(ctx context.Context, principal, bucket string, session UploadSession) error {
	creds, err := s.resolve(principal, "object:put", bucket)
	if err != nil {
		return err
	}
	upload := s.Client.ResumeUpload(creds, session.Key, session.UploadID)
	return upload.Abort(ctx)
}
