// Package blobstore holds raw image bytes for enrolled identities and
// in-flight probe images.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("blob not found")

// PutResult describes one persisted blob payload.
type PutResult struct {
	Key       string
	SHA256    string
	SizeBytes int64
}

// Getter reads blobs by key.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store is the byte-storage abstraction used by enrollment and verification.
// Delete of a missing key succeeds so cleanup can run twice.
type Store interface {
	Getter
	Put(ctx context.Context, data []byte) (PutResult, error)
	Delete(ctx context.Context, key string) error
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
