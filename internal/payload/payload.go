// Package payload normalizes heterogeneous upload bodies into a single shape
// the HTTP transport can send, and computes the payload hash a signed request
// needs. Callers pick the variant matching what they hold: raw bytes, a
// string, a stream with a known or unknown length, or a sequence of chunks
// arriving asynchronously.
package payload

import (
	"bytes"
	"fmt"
	"io"

	"r2admin/internal/sigv4"
)

// Body is one of Bytes, Text, Reader, or Chunks. A nil Body normalizes to an
// empty payload.
type Body interface {
	normalize() (Normalized, error)
}

// Bytes is an in-memory payload.
type Bytes []byte

// Text is a string payload.
type Text string

// Reader streams a payload of Length bytes; Length -1 means unknown.
type Reader struct {
	R      io.Reader
	Length int64
}

// Chunks is a payload delivered as a sequence of byte slices, e.g. from a
// streaming upload fallback. Normalization drains the channel into one
// contiguous buffer; total size is bounded by single-part upload limits, so
// no backpressure is needed.
type Chunks <-chan []byte

// Normalized is a payload ready to hand to the HTTP transport.
type Normalized struct {
	Reader io.Reader
	Length int64
	buf    []byte
}

// Buffered reports the payload bytes when the whole body is in memory.
func (n Normalized) Buffered() ([]byte, bool) {
	if n.Reader == nil {
		return nil, true
	}
	return n.buf, n.buf != nil
}

// Normalize converts any Body variant into a transport-ready payload.
// A nil body yields an empty payload.
func Normalize(b Body) (Normalized, error) {
	if b == nil {
		return Normalized{}, nil
	}
	return b.normalize()
}

func (b Bytes) normalize() (Normalized, error) {
	if len(b) == 0 {
		return Normalized{}, nil
	}
	return Normalized{Reader: bytes.NewReader(b), Length: int64(len(b)), buf: b}, nil
}

func (t Text) normalize() (Normalized, error) {
	return Bytes(t).normalize()
}

func (r Reader) normalize() (Normalized, error) {
	if r.R == nil {
		return Normalized{}, nil
	}
	length := r.Length
	if length == 0 {
		length = -1
	}
	return Normalized{Reader: r.R, Length: length}, nil
}

func (c Chunks) normalize() (Normalized, error) {
	if c == nil {
		return Normalized{}, nil
	}
	var buf bytes.Buffer
	for chunk := range c {
		_, _ = buf.Write(chunk)
	}
	return Bytes(buf.Bytes()).normalize()
}

// HashOrSentinel returns the payload hash to sign. Unsigned transfers get the
// UNSIGNED-PAYLOAD sentinel so large streams never have to be buffered for
// hashing. Signed transfers require the body in memory; a streaming body is
// drained first.
func HashOrSentinel(n *Normalized, signed bool) (string, error) {
	if !signed {
		return sigv4.UnsignedPayload, nil
	}
	buf, ok := n.Buffered()
	if !ok {
		drained, err := io.ReadAll(n.Reader)
		if err != nil {
			return "", fmt.Errorf("buffer payload for signing: %w", err)
		}
		n.buf = drained
		n.Reader = bytes.NewReader(drained)
		n.Length = int64(len(drained))
		buf = drained
	}
	return sigv4.HashPayload(buf), nil
}
