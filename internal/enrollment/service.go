// Package enrollment commits new identities into the blob store and the
// gallery index.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/blobstore"
	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/imageprocessor"
)

// ErrDuplicateImage means the same bytes are already enrolled under another name.
var ErrDuplicateImage = errors.New("image already enrolled")

// DuplicateError names the identity that already owns the image.
type DuplicateError struct {
	Existing gallery.Identity
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v as %s", ErrDuplicateImage, e.Existing.Name)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateImage }

// Index is the subset of *gallery.Index used for enrollment.
type Index interface {
	Add(ctx context.Context, name, blobKey string) (gallery.Identity, error)
	Remove(ctx context.Context, name string) (gallery.Identity, error)
	Lookup(name string) (gallery.Identity, bool)
	FindByBlobKey(blobKey string) (gallery.Identity, bool)
	References(blobKey string) int
	Snapshot() gallery.Snapshot
}

// Options control enrollment policy.
type Options struct {
	AllowDuplicateImages bool
}

// Service validates images and commits identities. Commits are serialized so
// the decision to discard an unreferenced blob cannot race another commit
// that is about to reference it.
type Service struct {
	blobs  blobstore.Store
	index  Index
	opts   Options
	logger *zap.Logger
	mu     sync.Mutex
}

// NewService wires an enrollment service.
func NewService(blobs blobstore.Store, index Index, opts Options, logger *zap.Logger) *Service {
	return &Service{blobs: blobs, index: index, opts: opts, logger: logger.Named("enrollment")}
}

// Enroll stores data and registers it under name. An empty name gets a
// generated one. Enrolling identical bytes under an existing name returns the
// existing identity; different bytes under an existing name fail with
// gallery.ErrConflict and leave the gallery untouched.
func (s *Service) Enroll(ctx context.Context, name string, data []byte) (gallery.Identity, error) {
	if _, err := imageprocessor.Validate(data); err != nil {
		return gallery.Identity{}, err
	}

	if name == "" {
		name = uuid.NewString()
	}
	canonical, err := gallery.NormalizeName(name)
	if err != nil {
		return gallery.Identity{}, err
	}
	digest := blobstore.Digest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index.Lookup(canonical); ok {
		if s.holds(ctx, existing.BlobKey, digest) {
			return existing, nil
		}
		return gallery.Identity{}, fmt.Errorf("%w: %s", gallery.ErrConflict, existing.Name)
	}

	put, err := s.blobs.Put(ctx, data)
	if err != nil {
		return gallery.Identity{}, fmt.Errorf("store image: %w", err)
	}

	if owner, ok := s.index.FindByBlobKey(put.Key); ok && !s.opts.AllowDuplicateImages {
		return gallery.Identity{}, &DuplicateError{Existing: owner}
	}

	identity, err := s.index.Add(ctx, canonical, put.Key)
	if err != nil {
		if errors.Is(err, gallery.ErrConflict) && identity.BlobKey == put.Key {
			return identity, nil
		}
		s.discard(ctx, put.Key)
		return gallery.Identity{}, err
	}

	s.logger.Info("identity enrolled",
		zap.String("name", identity.Name),
		zap.String("blob_key", identity.BlobKey),
		zap.Int64("size_bytes", put.SizeBytes))
	return identity, nil
}

// Deregister removes name from the gallery and drops its blob once no other
// identity references it.
func (s *Service) Deregister(ctx context.Context, name string) (gallery.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.index.Remove(ctx, name)
	if err != nil {
		return gallery.Identity{}, err
	}
	s.discard(ctx, removed.BlobKey)
	s.logger.Info("identity deregistered", zap.String("name", removed.Name))
	return removed, nil
}

// List returns the enrolled identities in enrollment order.
func (s *Service) List() []gallery.Identity {
	return s.index.Snapshot().Identities()
}

// holds reports whether the blob under key has the given digest.
func (s *Service) holds(ctx context.Context, key, digest string) bool {
	stored, err := s.blobs.Get(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read enrolled blob", zap.String("blob_key", key), zap.Error(err))
		return false
	}
	return blobstore.Digest(stored) == digest
}

// discard deletes an unreferenced blob. Failures only leave an orphan behind.
func (s *Service) discard(ctx context.Context, key string) {
	if s.index.References(key) > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to discard orphaned blob", zap.String("blob_key", key), zap.Error(err))
	}
}
