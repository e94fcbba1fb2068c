package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist marks a read of an absent object. Callers use it to decide
// whether origin recovery should run.
var ErrNotExist = errors.New("object does not exist")

// Store abstracts the durable artifact bucket. Implementations resolve keys
// against a single bucket fixed at construction.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	URL(key string) string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
