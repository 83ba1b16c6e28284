// storage.go
package s3

import (
	"context"
	"errors"
)

var (
	// ErrObjectNotFound is returned when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when an If-Match write loses to a
	// concurrent writer.
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// Object is a stored object together with its entity tag.
type Object struct {
	Data []byte
	ETag string
}

// Storage is the subset of an S3-compatible store the quota ledger needs.
type Storage interface {
	GetObject(ctx context.Context, key string) (*Object, error)
	HeadObject(ctx context.Context, key string) (string, error)
	// PutObjectIfMatch writes data only when the current ETag equals etag.
	// An empty etag means create-only (If-None-Match: *).
	PutObjectIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
