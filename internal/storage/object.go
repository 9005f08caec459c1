// Package storage resolves source and destination URIs to object store
// providers. Sources are read once as a stream; sinks accept a stream that is
// only committed when the writer is closed.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by every provider. Provider errors wrap one of these
// where the cause is known, so callers can use errors.Is.
var (
	ErrNotFound          = errors.New("object not found")
	ErrUnauthorized      = errors.New("access denied")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrUnsupportedScheme = errors.New("unsupported storage scheme")
	ErrInvalidLocation   = errors.New("invalid storage location")
	ErrWriterClosed      = errors.New("object writer already closed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	URI          string            `json:"uri"`
	Name         string            `json:"name"`
	Parent       string            `json:"parent"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified,omitzero"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Source is an open, single-pass object stream.
type Source struct {
	Body io.ReadCloser
	Info ObjectInfo
}

// SourceProvider opens objects for reading.
type SourceProvider interface {
	Open(ctx context.Context, loc Location) (*Source, error)
}

// WriteOptions are attached to an object when it is committed.
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectWriter streams bytes into a pending object. Close commits the object;
// Abort discards everything written so far and nothing becomes visible. After
// either call, further calls are no-ops returning ErrWriterClosed or nil.
type ObjectWriter interface {
	io.Writer
	Close() error
	Abort(cause error) error
}

// Sink is a destination that can be checked and written.
type Sink interface {
	Exists(ctx context.Context, loc Location) (bool, error)
	Stat(ctx context.Context, loc Location) (*ObjectInfo, error)
	OpenWriter(ctx context.Context, loc Location, opts WriteOptions) (ObjectWriter, error)
}

// copyMetadata returns a copy of m that is safe to hand to an SDK.
func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
