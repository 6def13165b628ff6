package comparator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"golang.org/x/image/bmp"
)

func blockImage(seed int64, invert bool) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := uint8(rng.Intn(256))
			if invert {
				v = 255 - v
			}
			for y := by * 8; y < by*8+8; y++ {
				for x := bx * 8; x < bx*8+8; x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeBMP(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}
	return buf.Bytes()
}

func TestPHashVerifiesSameImage(t *testing.T) {
	cmp := NewPHash(10)
	data := encodePNG(t, blockImage(1, false))

	verdict, err := cmp.Compare(context.Background(), data, data)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !verdict.Verified || verdict.Score != 1 {
		t.Fatalf("expected exact match, got %+v", verdict)
	}
}

func TestPHashIgnoresEncoding(t *testing.T) {
	cmp := NewPHash(10)
	img := blockImage(2, false)

	verdict, err := cmp.Compare(context.Background(), encodePNG(t, img), encodeBMP(t, img))
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !verdict.Verified {
		t.Fatalf("expected re-encoded image to verify, got %+v", verdict)
	}
}

func TestPHashRejectsDifferentImage(t *testing.T) {
	cmp := NewPHash(10)

	verdict, err := cmp.Compare(context.Background(), encodePNG(t, blockImage(3, false)), encodePNG(t, blockImage(3, true)))
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if verdict.Verified {
		t.Fatalf("expected inverted image not to verify, got %+v", verdict)
	}
	if verdict.Score >= 0.5 {
		t.Fatalf("expected low score, got %f", verdict.Score)
	}
}

func TestPHashReportsCorruptCandidate(t *testing.T) {
	cmp := NewPHash(10)
	if _, err := cmp.Compare(context.Background(), encodePNG(t, blockImage(4, false)), []byte("corrupt")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPHashCacheIsBounded(t *testing.T) {
	cmp := NewPHash(10)
	cmp.capacity = 2
	ctx := context.Background()
	for seed := int64(10); seed < 14; seed++ {
		if _, err := cmp.hash(ctx, encodePNG(t, blockImage(seed, false))); err != nil {
			t.Fatalf("hash: %v", err)
		}
	}
	if len(cmp.hashes) != 2 || len(cmp.order) != 2 {
		t.Fatalf("expected 2 cached hashes, got %d/%d", len(cmp.hashes), len(cmp.order))
	}
}

func TestHammingDistance(t *testing.T) {
	if d := HammingDistance(0, 0); d != 0 {
		t.Fatalf("expected 0, got %d", d)
	}
	if d := HammingDistance(0, ^uint64(0)); d != 64 {
		t.Fatalf("expected 64, got %d", d)
	}
}
