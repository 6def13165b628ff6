package gallery

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"alice":       "alice.jpg",
		" alice.jpg ": "alice.jpg",
		"Bob.JPG":     "Bob.JPG",
		"carol.png":   "carol.png.jpg",
	}
	for in, want := range cases {
		got, err := NormalizeName(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeNameRejectsUnsafeNames(t *testing.T) {
	for _, in := range []string{"", "   ", ".jpg", "../etc/passwd", "a/b", `a\b`, "bad\x00name", strings.Repeat("x", 300)} {
		if _, err := NormalizeName(in); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected %q to be rejected, got %v", in, err)
		}
	}
}
