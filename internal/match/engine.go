// Package match scans the gallery for an identity matching a probe image.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/blobstore"
	"github.com/example/face-gallery/internal/comparator"
	"github.com/example/face-gallery/internal/gallery"
)

// Gallery supplies the point-in-time view a scan runs against.
type Gallery interface {
	Snapshot() gallery.Snapshot
}

// Options tune the scan.
type Options struct {
	// Workers bounds concurrent comparator calls per scan.
	Workers int
	// CompareTimeout bounds each comparator call; zero disables the bound.
	CompareTimeout time.Duration
}

// Engine runs verification scans. The lowest-index verified candidate of the
// snapshot wins, whatever order the comparisons complete in.
type Engine struct {
	gallery    Gallery
	probes     blobstore.Getter
	images     blobstore.Getter
	comparator comparator.Comparator
	workers    int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewEngine wires an engine. probes holds ephemeral probe blobs, images
// holds enrolled gallery blobs.
func NewEngine(g Gallery, probes, images blobstore.Getter, cmp comparator.Comparator, opts Options, logger *zap.Logger) *Engine {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		gallery:    g,
		probes:     probes,
		images:     images,
		comparator: cmp,
		workers:    workers,
		timeout:    opts.CompareTimeout,
		logger:     logger.Named("match_engine"),
	}
}

type outcome struct {
	index   int
	verdict comparator.Verdict
	failure *CandidateError
	fatal   error
	skipped bool
}

func (o *outcome) verified() bool {
	return o.failure == nil && o.fatal == nil && !o.skipped && o.verdict.Verified
}

// Verify compares the probe stored under probeKey against the gallery.
//
// A missing probe returns ErrProbeNotFound. An empty gallery yields an
// unverified result without calling the comparator. Per-candidate failures
// are collected in Result.Errors; when no candidate could be compared at all
// a *SystemicError is returned instead.
func (e *Engine) Verify(ctx context.Context, probeKey string) (*Result, error) {
	probe, err := e.probes.Get(ctx, probeKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProbeNotFound, probeKey)
		}
		return nil, &SystemicError{Reason: "probe storage unavailable", Err: err}
	}

	snap := e.gallery.Snapshot()
	n := snap.Len()
	if n == 0 {
		return &Result{}, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	jobs := make(chan int)
	outcomes := make(chan outcome, n)

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-scanCtx.Done():
				return
			}
		}
	}()

	// cutoff is the lowest index that settles the scan so far: a verified
	// candidate or a fatal comparator failure. Candidates above it can never
	// change the verdict and are skipped or cancelled.
	var cutoff atomic.Int64
	cutoff.Store(int64(n))
	running := newInflight()

	var wg sync.WaitGroup
	for w := 0; w < min(e.workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if int64(i) > cutoff.Load() {
					outcomes <- outcome{index: i, skipped: true}
					continue
				}
				jobCtx, jobCancel := context.WithCancel(scanCtx)
				running.add(i, jobCancel)
				if int64(i) > cutoff.Load() {
					jobCancel()
				}
				o := e.evaluate(jobCtx, probe, i, snap.At(i))
				running.remove(i)
				jobCancel()
				if (o.fatal != nil || o.verified()) && lowerCutoff(&cutoff, int64(i)) {
					running.cancelAbove(i)
				}
				outcomes <- o
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	// Stop outstanding work and wait for every worker before returning.
	defer func() {
		cancel()
		for range outcomes {
		}
	}()

	resolved := make([]*outcome, n)
	next, winner, fatal := 0, -1, -1
	for winner < 0 && fatal < 0 && next < n {
		o, ok := <-outcomes
		if !ok {
			break
		}
		resolved[o.index] = &o
		for next < n && resolved[next] != nil {
			if resolved[next].verified() {
				winner = next
				break
			}
			if resolved[next].fatal != nil {
				fatal = next
				break
			}
			next++
		}
	}

	if fatal >= 0 {
		return nil, &SystemicError{
			Reason:     "comparator unavailable",
			Candidates: n,
			Errors:     collectFailures(resolved, fatal),
			Err:        resolved[fatal].fatal,
		}
	}
	return e.conclude(ctx, snap, resolved, next, winner)
}

// conclude builds the verdict once the ordered prefix is resolved. next is
// the first index that was not resolved, winner the verified index or -1.
func (e *Engine) conclude(ctx context.Context, snap gallery.Snapshot, resolved []*outcome, next, winner int) (*Result, error) {
	n := snap.Len()
	if winner < 0 && ctx.Err() != nil && !complete(resolved, next) {
		return nil, &SystemicError{Reason: "verification cancelled", Candidates: n, Err: ctx.Err()}
	}

	limit := n
	if winner >= 0 {
		limit = winner + 1
	}
	result := &Result{Candidates: n, Errors: collectFailures(resolved, limit)}
	for i := 0; i < limit; i++ {
		if o := resolved[i]; o != nil && o.failure == nil && !o.skipped {
			result.Compared++
		}
	}
	for _, f := range result.Errors {
		e.logger.Warn("candidate comparison failed",
			zap.String("candidate", f.Identity.Name),
			zap.String("kind", string(f.Kind)),
			zap.Error(f.Err))
	}

	if winner >= 0 {
		matched := snap.At(winner)
		result.Verified = true
		result.Matched = &matched
		result.Score = resolved[winner].verdict.Score
		return result, nil
	}
	if result.Compared == 0 {
		return nil, &SystemicError{
			Reason:     "no candidate could be compared",
			Candidates: n,
			Errors:     result.Errors,
		}
	}
	return result, nil
}

// complete reports whether every candidate was actually evaluated.
func complete(resolved []*outcome, next int) bool {
	if next < len(resolved) {
		return false
	}
	for _, o := range resolved {
		if o == nil || o.skipped {
			return false
		}
	}
	return true
}

// inflight tracks the cancel functions of running comparisons by index.
type inflight struct {
	mu      sync.Mutex
	cancels map[int]context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{cancels: make(map[int]context.CancelFunc)}
}

func (f *inflight) add(i int, cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancels[i] = cancel
	f.mu.Unlock()
}

func (f *inflight) remove(i int) {
	f.mu.Lock()
	delete(f.cancels, i)
	f.mu.Unlock()
}

func (f *inflight) cancelAbove(k int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cancel := range f.cancels {
		if i > k {
			cancel()
		}
	}
}

// lowerCutoff moves cutoff down to i and reports whether it did.
func lowerCutoff(cutoff *atomic.Int64, i int64) bool {
	for {
		cur := cutoff.Load()
		if i >= cur {
			return false
		}
		if cutoff.CompareAndSwap(cur, i) {
			return true
		}
	}
}

func collectFailures(resolved []*outcome, limit int) []CandidateError {
	var failures []CandidateError
	for i := 0; i < limit; i++ {
		if o := resolved[i]; o != nil && o.failure != nil {
			failures = append(failures, *o.failure)
		}
	}
	return failures
}

type compareReply struct {
	verdict comparator.Verdict
	err     error
}

func (e *Engine) evaluate(ctx context.Context, probe []byte, index int, candidate gallery.Identity) outcome {
	o := outcome{index: index}
	if ctx.Err() != nil {
		o.skipped = true
		return o
	}
	fail := func(kind FailureKind, err error) outcome {
		o.failure = &CandidateError{Index: index, Identity: candidate, Kind: kind, Err: err}
		return o
	}

	data, err := e.images.Get(ctx, candidate.BlobKey)
	if err != nil {
		if ctx.Err() != nil {
			o.skipped = true
			return o
		}
		return fail(FailureLoad, err)
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	replies := make(chan compareReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- compareReply{err: fmt.Errorf("comparator panic: %v", r)}
			}
		}()
		v, err := e.comparator.Compare(callCtx, probe, data)
		replies <- compareReply{verdict: v, err: err}
	}()

	var reply compareReply
	select {
	case reply = <-replies:
	case <-callCtx.Done():
		reply.err = callCtx.Err()
	}

	switch {
	case reply.err == nil:
		o.verdict = reply.verdict
		return o
	case errors.Is(reply.err, comparator.ErrUnavailable):
		o.fatal = reply.err
		return o
	case ctx.Err() != nil:
		o.skipped = true
		return o
	case errors.Is(reply.err, context.DeadlineExceeded):
		return fail(FailureTimeout, reply.err)
	default:
		return fail(FailureCompare, reply.err)
	}
}
