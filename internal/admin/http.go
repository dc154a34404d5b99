package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"r2admin/internal/payload"
	"r2admin/internal/r2"
	"r2admin/internal/s3err"
)

const maxJSONBodyBytes = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id"`
}

// Handler returns the JSON API. Routes are principal-scoped: every request
// carries a bearer token that the sealer opens into a principal name.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /api/buckets", s.withPrincipal(s.handleBuckets))
	mux.HandleFunc("GET /api/buckets/{bucket}/objects", s.withPrincipal(s.handleBrowse))
	mux.HandleFunc("GET /api/buckets/{bucket}/objects/{key...}", s.withPrincipal(s.handleOpen))
	mux.HandleFunc("HEAD /api/buckets/{bucket}/objects/{key...}", s.withPrincipal(s.handleStat))
	mux.HandleFunc("PUT /api/buckets/{bucket}/objects/{key...}", s.withPrincipal(s.handleUpload))
	mux.HandleFunc("DELETE /api/buckets/{bucket}/objects/{key...}", s.withPrincipal(s.handleRemove))
	mux.HandleFunc("POST /api/buckets/{bucket}/remove", s.withPrincipal(s.handleRemoveMany))
	mux.HandleFunc("POST /api/buckets/{bucket}/share", s.withPrincipal(s.handleShareLink))
	mux.HandleFunc("POST /api/buckets/{bucket}/upload-link", s.withPrincipal(s.handleUploadLink))
	mux.HandleFunc("POST /api/buckets/{bucket}/uploads", s.withPrincipal(s.handleStartUpload))
	mux.HandleFunc("PUT /api/buckets/{bucket}/uploads/{uploadID}/parts/{partNumber}", s.withPrincipal(s.handlePutPart))
	mux.HandleFunc("POST /api/buckets/{bucket}/uploads/{uploadID}/complete", s.withPrincipal(s.handleFinishUpload))
	mux.HandleFunc("DELETE /api/buckets/{bucket}/uploads/{uploadID}", s.withPrincipal(s.handleCancelUpload))

	return s.logRequests(mux)
}

type principalHandler func(w http.ResponseWriter, r *http.Request, principal string)

func (s *Service) withPrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "", "authentication required")
			return
		}
		next(w, r, principal)
	}
}

func (s *Service) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	if s.Sealer == nil {
		return "", errors.New("no sealer configured")
	}
	return s.Sealer.Unseal(token)
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("request complete",
			"request_id", reqID,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", sw.status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Service) handleBuckets(w http.ResponseWriter, r *http.Request, principal string) {
	writeJSON(w, http.StatusOK, map[string][]string{"buckets": s.Buckets(principal)})
}

func (s *Service) handleBrowse(w http.ResponseWriter, r *http.Request, principal string) {
	q := r.URL.Query()
	opts := BrowseOptions{Prefix: q.Get("prefix"), Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, http.StatusBadRequest, "", "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}
	page, err := s.Browse(r.Context(), principal, r.PathValue("bucket"), opts)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleStat(w http.ResponseWriter, r *http.Request, principal string) {
	info, err := s.Stat(r.Context(), principal, r.PathValue("bucket"), r.PathValue("key"))
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	for name, value := range info.Metadata {
		w.Header().Set("x-amz-meta-"+name, value)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleOpen(w http.ResponseWriter, r *http.Request, principal string) {
	byteRange, err := parseRangeParams(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	obj, err := s.Open(r.Context(), principal, r.PathValue("bucket"), r.PathValue("key"), byteRange)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	if obj == nil {
		s.writeError(w, r, http.StatusNotFound, string(s3err.KindNotFound), "no such object")
		return
	}
	defer obj.Body.Close()
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size >= 0 && byteRange == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj.Body)
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request, principal string) {
	opts := r2.PutOptions{ContentType: r.Header.Get("Content-Type")}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if meta, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			if opts.Metadata == nil {
				opts.Metadata = map[string]string{}
			}
			opts.Metadata[meta] = values[0]
		}
	}
	body := payload.Reader{R: r.Body, Length: r.ContentLength}
	etag, err := s.Upload(r.Context(), principal, r.PathValue("bucket"), r.PathValue("key"), body, opts)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"etag": etag})
}

func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request, principal string) {
	if err := s.Remove(r.Context(), principal, r.PathValue("bucket"), r.PathValue("key")); err != nil {
		s.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRemoveMany(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		Keys []string `json:"keys"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "", "keys must not be empty")
		return
	}
	deleted, err := s.RemoveMany(r.Context(), principal, r.PathValue("bucket"), req.Keys)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Service) handleShareLink(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		Key          string `json:"key"`
		TTLSeconds   int64  `json:"ttl_seconds"`
		DownloadName string `json:"download_name"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	signed, expiresAt, err := s.ShareLink(principal, r.PathValue("bucket"), req.Key, time.Duration(req.TTLSeconds)*time.Second, req.DownloadName)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":        signed.String(),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleUploadLink(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		Key        string `json:"key"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	signed, expiresAt, err := s.UploadLink(principal, r.PathValue("bucket"), req.Key, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":        signed.String(),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleStartUpload(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		Key         string            `json:"key"`
		ContentType string            `json:"content_type"`
		Metadata    map[string]string `json:"metadata"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	session, err := s.StartUpload(r.Context(), principal, r.PathValue("bucket"), req.Key, r2.PutOptions{
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Service) handlePutPart(w http.ResponseWriter, r *http.Request, principal string) {
	partNumber, err := strconv.Atoi(r.PathValue("partNumber"))
	if err != nil || partNumber < 1 {
		s.writeError(w, r, http.StatusBadRequest, "", "part number must be a positive integer")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	session := UploadSession{Key: key, UploadID: r.PathValue("uploadID")}
	body := payload.Reader{R: r.Body, Length: r.ContentLength}
	part, err := s.PutPart(r.Context(), principal, r.PathValue("bucket"), session, partNumber, body)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"part_number": part.PartNumber, "etag": part.ETag})
}

func (s *Service) handleFinishUpload(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		Key   string `json:"key"`
		Parts []struct {
			PartNumber int    `json:"part_number"`
			ETag       string `json:"etag"`
		} `json:"parts"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	parts := make([]r2.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, r2.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	session := UploadSession{Key: req.Key, UploadID: r.PathValue("uploadID")}
	etag, err := s.FinishUpload(r.Context(), principal, r.PathValue("bucket"), session, parts)
	if err != nil {
		s.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"etag": etag})
}

func (s *Service) handleCancelUpload(w http.ResponseWriter, r *http.Request, principal string) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "key is required")
		return
	}
	session := UploadSession{Key: key, UploadID: r.PathValue("uploadID")}
	if err := s.CancelUpload(r.Context(), principal, r.PathValue("bucket"), session); err != nil {
		s.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseRangeParams(r *http.Request) (*r2.RangeSpec, error) {
	q := r.URL.Query()
	rawOffset := q.Get("offset")
	rawLength := q.Get("length")
	if rawOffset == "" && rawLength == "" {
		return nil, nil
	}
	offset, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil || offset < 0 {
		return nil, errors.New("offset must be a non-negative integer")
	}
	length, err := strconv.ParseInt(rawLength, 10, 64)
	if err != nil || length < 1 {
		return nil, errors.New("length must be a positive integer")
	}
	return &r2.RangeSpec{Offset: offset, Length: length}, nil
}

func (s *Service) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "", "invalid request body")
		return false
	}
	return true
}

func (s *Service) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		s.writeError(w, r, http.StatusForbidden, "", "forbidden")
		return
	case errors.Is(err, ErrUnknownBucket):
		s.writeError(w, r, http.StatusNotFound, "", "unknown bucket")
		return
	}
	var opErr *s3err.Error
	if errors.As(err, &opErr) {
		s.writeError(w, r, statusForKind(opErr.Kind), string(opErr.Kind), opErr.Message)
		return
	}
	s.writeError(w, r, http.StatusBadGateway, "", "storage request failed")
}

// statusForKind maps storage error kinds to the status this API reports.
// Provider-side credential and signing failures are configuration faults of
// this service, not of the caller, and surface as 502.
func statusForKind(kind s3err.Kind) int {
	switch kind {
	case s3err.KindNotFound:
		return http.StatusNotFound
	case s3err.KindAccessDenied:
		return http.StatusForbidden
	case s3err.KindUploadExpired:
		return http.StatusGone
	case s3err.KindInvalidCredentials, s3err.KindBucketNotFound,
		s3err.KindClockSkew, s3err.KindMalformedAuth,
		s3err.KindTransport, s3err.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorResponse{
		Error:     message,
		Kind:      kind,
		RequestID: w.Header().Get("X-Request-Id"),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
