// Package storage defines the object-storage backends archives are uploaded to.
package storage

import (
	"context"
	"io"
)

// Storage uploads objects to a single bucket.
type Storage interface {
	// Upload stores the reader's contents under key and returns the content
	// checksum reported by the backend.
	Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (string, error)

	// Bucket returns the destination bucket name.
	Bucket() string
}
