package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// DeadLetter is a change event that a consumer could not process.
type DeadLetter struct {
	Route    string      `json:"route"`
	Event    ChangeEvent `json:"event"`
	Error    string      `json:"error"`
	Attempts int         `json:"attempts"`
	FailedAt time.Time   `json:"failedAt"`
}

// DeadLetterSink receives poison events.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}
