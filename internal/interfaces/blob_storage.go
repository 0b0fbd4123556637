package interfaces

import (
	"context"
	"errors"
	"time"
)

// Blob key namespaces. Deletion is restricted to the final/print
// prefixes so immutable sources can never be purged by cleanup paths.
const (
	BlobPrefixOriginal = "documents/original/"
	BlobPrefixSource   = "documents/source/"
	BlobPrefixFinal    = "documents/final/"
	BlobPrefixPrint    = "documents/print/"
	BlobPrefixExport   = "documents/export/"
)

// ErrProtectedKey is returned when a delete targets a key outside the
// deletable prefixes.
var ErrProtectedKey = errors.New("blob key is outside the deletable prefixes")

// ErrBlobNotFound is returned when a blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStorage is byte-addressed object storage with signed short-TTL
// URL support.
type BlobStorage interface {
	// Put stores data under key with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get retrieves the bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob under key. Keys outside the final/print
	// prefixes are rejected with ErrProtectedKey.
	Delete(ctx context.Context, key string) error

	// PresignedURL produces a signed GET URL valid for the given duration.
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// DeletableBlobKey reports whether cleanup paths are allowed to delete
// the given key.
func DeletableBlobKey(key string) bool {
	return hasPrefix(key, BlobPrefixFinal) || hasPrefix(key, BlobPrefixPrint)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
