// Package s3err translates transport failures and S3 error envelopes into a
// fixed, typed taxonomy with human-readable messages. Raw XML never reaches
// callers.
package s3err

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a storage failure. Callers branch on Kind rather than on
// provider codes or HTTP statuses.
type Kind string

const (
	KindAccessDenied       Kind = "access_denied"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindBucketNotFound     Kind = "bucket_not_found"
	KindNotFound           Kind = "not_found"
	KindUploadExpired      Kind = "upload_session_expired"
	KindClockSkew          Kind = "clock_skew"
	KindMalformedAuth      Kind = "malformed_auth"
	KindTransport          Kind = "transport"
	KindProtocol           Kind = "protocol"
)

// Error is the single error type surfaced by the storage client. Status is
// zero when no HTTP response was received; Code is the provider error code
// when one was parsed.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Op, e.Message, e.Status)
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// IsKind reports whether err is a storage error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// Transport wraps a network-level failure that happened before any response
// was received.
func Transport(op string, cause error) *Error {
	return &Error{
		Kind:    KindTransport,
		Op:      op,
		Message: "storage endpoint unreachable: " + cause.Error(),
		cause:   cause,
	}
}

// Protocolf reports an unexpected response shape, such as a create-multipart
// reply missing its UploadId.
func Protocolf(op string, format string, args ...any) *Error {
	return &Error{
		Kind:    KindProtocol,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

type errorEnvelope struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// FromResponse parses an S3 error body and combines it with the HTTP status
// to classify the failure. It tolerates empty or non-XML bodies and falls
// back to status-only classification.
func FromResponse(op string, status int, body []byte) *Error {
	var envelope errorEnvelope
	if len(body) > 0 {
		// A failed parse leaves the envelope zero-valued; classification
		// then rests on the status alone.
		_ = xml.Unmarshal(body, &envelope)
	}
	return classify(op, status, envelope.Code, envelope.Message)
}

func classify(op string, status int, code, providerMessage string) *Error {
	err := &Error{Op: op, Status: status, Code: code}
	switch code {
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		err.Kind = KindInvalidCredentials
		err.Message = "storage credentials were rejected; verify the access key and secret for this bucket"
	case "NoSuchBucket":
		err.Kind = KindBucketNotFound
		err.Message = "the configured bucket does not exist on this account"
	case "NoSuchUpload":
		err.Kind = KindUploadExpired
		err.Message = "the multipart upload session is no longer known to the provider; start the upload again"
	case "RequestTimeTooSkewed":
		err.Kind = KindClockSkew
		err.Message = "request was rejected for clock skew; check this host's clock and retry"
	case "AuthorizationHeaderMalformed":
		err.Kind = KindMalformedAuth
		err.Message = "the provider rejected the authorization header as malformed"
	case "AccessDenied":
		err.Kind = KindAccessDenied
		err.Message = "access denied by the storage provider for this operation"
	case "NoSuchKey":
		err.Kind = KindNotFound
		err.Message = "the object does not exist"
	default:
		switch {
		case status == http.StatusForbidden:
			err.Kind = KindAccessDenied
			err.Message = "access denied by the storage provider for this operation"
		case status == http.StatusNotFound:
			err.Kind = KindNotFound
			err.Message = "the requested resource does not exist"
		default:
			err.Kind = KindProtocol
			if providerMessage != "" {
				err.Message = fmt.Sprintf("unexpected provider response (%s)", providerMessage)
			} else {
				err.Message = fmt.Sprintf("unexpected provider response with status %d", status)
			}
		}
	}
	return err
}
