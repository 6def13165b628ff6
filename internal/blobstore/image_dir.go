package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	imagePrefix = "faces"
	incomingDir = "incoming"
)

var imageKeyPattern = regexp.MustCompile(`^faces/[0-9a-f]{2}/[0-9a-f]{64}(\.[a-z]+)?$`)

// imageExtensions maps sniffed content types to the suffix stored on disk.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// ImageDir keeps enrolled gallery images on local disk, one file per distinct
// image, named by digest under a two-character fan-out directory.
type ImageDir struct {
	root string
}

// NewImageDir opens the image directory at root, creating it if needed, and
// removes writes left half-finished by a previous crash.
func NewImageDir(root string) (*ImageDir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("image directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	incoming := filepath.Join(abs, incomingDir)
	if err := os.RemoveAll(incoming); err != nil {
		return nil, fmt.Errorf("clear incoming images: %w", err)
	}
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return nil, err
	}
	return &ImageDir{root: abs}, nil
}

// Put writes data unless an intact copy already exists. A file whose size
// disagrees with data is treated as torn and replaced.
func (d *ImageDir) Put(ctx context.Context, data []byte) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	digest := Digest(data)
	result := PutResult{Key: ContentKey(data, digest), SHA256: digest, SizeBytes: int64(len(data))}
	dst := d.path(result.Key)

	if info, err := os.Stat(dst); err == nil && info.Size() == result.SizeBytes {
		return result, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return PutResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return PutResult{}, err
	}
	if err := d.writeAtomic(dst, data); err != nil {
		return PutResult{}, fmt.Errorf("store image %s: %w", digest, err)
	}
	return result, nil
}

// Get reads an image by key.
func (d *ImageDir) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkImageKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Delete removes an image. Missing files are ignored.
func (d *ImageDir) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkImageKey(key); err != nil {
		return err
	}
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeAtomic stages data in the incoming directory, syncs it and renames it
// into place, so readers never observe a partial image.
func (d *ImageDir) writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(d.root, incomingDir), "image-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, dst); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func (d *ImageDir) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

// imageKey addresses an image by digest and keeps a file extension matching
// its sniffed format, so the directory stays browsable.
func imageKey(data []byte, digest string) string {
	ext := imageExtensions[http.DetectContentType(data)]
	return fmt.Sprintf("%s/%s/%s%s", imagePrefix, digest[:2], digest, ext)
}

func checkImageKey(key string) error {
	if !imageKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid image key %q", key)
	}
	return nil
}
