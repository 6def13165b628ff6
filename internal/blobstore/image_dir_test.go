package blobstore

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageDirPutGetDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir, err := NewImageDir(root)
	if err != nil {
		t.Fatalf("new image dir: %v", err)
	}
	data := pngBytes(t)

	first, err := dir.Put(ctx, data)
	if err != nil {
		t.Fatalf("put first: %v", err)
	}
	if first.SHA256 != Digest(data) || first.SizeBytes != int64(len(data)) {
		t.Fatalf("unexpected put result: %#v", first)
	}
	want := "faces/" + first.SHA256[:2] + "/" + first.SHA256 + ".png"
	if first.Key != want {
		t.Fatalf("expected key %s, got %s", want, first.Key)
	}
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(first.Key))); err != nil {
		t.Fatalf("expected image on disk: %v", err)
	}

	second, err := dir.Put(ctx, data)
	if err != nil {
		t.Fatalf("put second: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical images to share a key: first=%#v second=%#v", first, second)
	}

	got, err := dir.Get(ctx, first.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("stored bytes differ")
	}

	if err := dir.Delete(ctx, first.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := dir.Delete(ctx, first.Key); err != nil {
		t.Fatalf("delete missing should be noop: %v", err)
	}
	if _, err := dir.Get(ctx, first.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImageDirUnknownFormatHasNoExtension(t *testing.T) {
	dir, err := NewImageDir(t.TempDir())
	if err != nil {
		t.Fatalf("new image dir: %v", err)
	}
	res, err := dir.Put(context.Background(), []byte("plain text"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasSuffix(res.Key, res.SHA256) {
		t.Fatalf("expected bare digest key, got %s", res.Key)
	}
}

func TestImageDirReplacesTornImage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir, err := NewImageDir(root)
	if err != nil {
		t.Fatalf("new image dir: %v", err)
	}
	data := pngBytes(t)
	res, err := dir.Put(ctx, data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	path := filepath.Join(root, filepath.FromSlash(res.Key))
	if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := dir.Put(ctx, data); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, err := dir.Get(ctx, res.Key)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("expected torn image to be rewritten, err=%v", err)
	}
}

func TestNewImageDirClearsIncoming(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, incomingDir, "image-123")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	if _, err := NewImageDir(root); err != nil {
		t.Fatalf("new image dir: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale incoming file to be removed, got %v", err)
	}
}

func TestImageDirRejectsForeignKeys(t *testing.T) {
	dir, err := NewImageDir(t.TempDir())
	if err != nil {
		t.Fatalf("new image dir: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../outside", "faces/../../x", "faces/ab/short.png", "probe/123"} {
		if _, err := dir.Get(context.Background(), key); err == nil || errors.Is(err, ErrNotFound) {
			t.Fatalf("expected key %q to be rejected, got %v", key, err)
		}
		if err := dir.Delete(context.Background(), key); err == nil {
			t.Fatalf("expected delete of %q to be rejected", key)
		}
	}
}

func TestNewImageDirRequiresRoot(t *testing.T) {
	if _, err := NewImageDir("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}
