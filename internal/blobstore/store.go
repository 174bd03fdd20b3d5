// Package blobstore is the object-store port used for message attachments, plus a
// filesystem adapter that serves uploads and downloads through signed URLs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrObjectNotFound indicates that no blob is stored under the key.
	ErrObjectNotFound = errors.New("blobstore: object not found")
	// ErrObjectTooLarge indicates that an upload exceeded the reserved size.
	ErrObjectTooLarge = errors.New("blobstore: object exceeds reserved size")
	// ErrForbiddenContent indicates that the uploaded bytes are an executable.
	ErrForbiddenContent = errors.New("blobstore: forbidden content")
	// ErrInvalidKey indicates that an object key is malformed.
	ErrInvalidKey = errors.New("blobstore: invalid key")
	// ErrObjectExists indicates that a blob is already stored under the key.
	ErrObjectExists = errors.New("blobstore: object already exists")
)

// SignedURL is a time-limited URL to a single object.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	DetectedMIME string
}

// ObjectStore is the collaborator that owns blob bytes. The core only ever holds keys.
type ObjectStore interface {
	SignedUploadURL(ctx context.Context, key string, maxBytes int64, ttl time.Duration) (SignedURL, error)
	SignedReadURL(ctx context.Context, key string, ttl time.Duration) (SignedURL, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that are empty, absolute, or escape their prefix.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if trimmed != key {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: must be relative", ErrInvalidKey)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: not canonical", ErrInvalidKey)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return fmt.Errorf("%w: bad segment", ErrInvalidKey)
		}
	}
	return nil
}
