// Package contentstore publishes deliverables and job descriptions to
// content-addressed storage.
package contentstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an unknown content id.
var ErrNotFound = errors.New("content not found")

// Gateway stores immutable blobs under content-derived identifiers.
type Gateway interface {
	// Put stores data and returns its content id. Storing the same
	// bytes twice returns the same id.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}
