package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/face-gallery/internal/gallery"
)

// ErrProbeNotFound means the probe blob was missing when the scan started.
var ErrProbeNotFound = errors.New("probe image not found")

// FailureKind classifies a per-candidate failure.
type FailureKind string

const (
	FailureLoad    FailureKind = "load"
	FailureCompare FailureKind = "compare"
	FailureTimeout FailureKind = "timeout"
)

// CandidateError records why one gallery entry could not be compared.
type CandidateError struct {
	Index    int
	Identity gallery.Identity
	Kind     FailureKind
	Err      error
}

func (e CandidateError) Error() string {
	return fmt.Sprintf("candidate %s (%s): %v", e.Identity.Name, e.Kind, e.Err)
}

func (e CandidateError) Unwrap() error { return e.Err }

// Result is the verdict of one verification scan.
type Result struct {
	Verified   bool
	Matched    *gallery.Identity
	Score      float64
	Candidates int
	Compared   int
	Errors     []CandidateError
}

// SystemicError reports that the scan as a whole cannot be trusted, either
// because every candidate failed or because the comparator or the caller
// gave up.
type SystemicError struct {
	Reason     string
	Candidates int
	Errors     []CandidateError
	Err        error
}

func (e *SystemicError) Error() string {
	var b strings.Builder
	b.WriteString("verification failed: ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if n := len(e.Errors); n > 0 {
		fmt.Fprintf(&b, " (%d of %d candidates failed, first: %v)", n, e.Candidates, e.Errors[0])
	}
	return b.String()
}

func (e *SystemicError) Unwrap() error { return e.Err }
