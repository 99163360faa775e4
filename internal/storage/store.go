// Package storage writes packaged archives to durable object storage.
// Versioned paths are append-only; "latest" paths are overwritten.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Stat and Get when no object exists at the key.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectExists is returned by Put with IfAbsent when the key is taken.
var ErrObjectExists = errors.New("object already exists")

// ObjectStore abstracts S3-compatible object storage bound to one bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// PutOptions carries object metadata.
type PutOptions struct {
	ContentType string
	SHA256      string // Hex content digest stored alongside the object
	IfAbsent    bool   // Create only; fail with ErrObjectExists if the key is taken
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	SHA256       string
	LastModified time.Time
}
