// Package comparator defines the face similarity capability the match
// engine depends on, plus the adapters shipped with the service.
package comparator

import (
	"context"
	"errors"
)

// ErrUnavailable marks a comparator failure that affects every candidate,
// such as a remote verifier that cannot be reached. The match engine aborts
// the scan instead of recording a per-candidate error.
var ErrUnavailable = errors.New("comparator unavailable")

// Verdict is the outcome of comparing two images.
type Verdict struct {
	Verified bool
	Score    float64
}

// Comparator judges whether probe and candidate show the same face.
// Implementations must be safe for concurrent use.
type Comparator interface {
	Compare(ctx context.Context, probe, candidate []byte) (Verdict, error)
}

// Func adapts a function to Comparator.
type Func func(ctx context.Context, probe, candidate []byte) (Verdict, error)

func (f Func) Compare(ctx context.Context, probe, candidate []byte) (Verdict, error) {
	return f(ctx, probe, candidate)
}
