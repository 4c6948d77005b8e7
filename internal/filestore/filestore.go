// Package filestore is the content store boundary: opaque byte blobs keyed
// by content id, no business logic.
package filestore

import (
	"context"
	"io"
)

// Store uploads and downloads opaque blobs by content id.
type Store interface {
	// Upload stores size bytes from r and returns the minted content id.
	Upload(ctx context.Context, r io.Reader, size int64, contentType, name string) (string, error)
	// Download returns the blob stream and its content type.
	// Unknown ids fail with a not-found error.
	Download(ctx context.Context, contentID string) (io.ReadCloser, string, error)
}
