package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/blobstore"
	"github.com/example/face-gallery/internal/comparator"
	"github.com/example/face-gallery/internal/gallery"
)

type behaviour func(ctx context.Context) (comparator.Verdict, error)

type scriptedComparator struct {
	mu     sync.Mutex
	calls  []string
	script map[string]behaviour
}

func (s *scriptedComparator) Compare(ctx context.Context, probe, candidate []byte) (comparator.Verdict, error) {
	name := string(candidate)
	s.mu.Lock()
	s.calls = append(s.calls, name)
	fn := s.script[name]
	s.mu.Unlock()
	if fn == nil {
		return comparator.Verdict{Score: 0.1}, nil
	}
	return fn(ctx)
}

func (s *scriptedComparator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func match(score float64) behaviour {
	return func(context.Context) (comparator.Verdict, error) {
		return comparator.Verdict{Verified: true, Score: score}, nil
	}
}

func fail(err error) behaviour {
	return func(context.Context) (comparator.Verdict, error) { return comparator.Verdict{}, err }
}

func delayed(d time.Duration, next behaviour) behaviour {
	return func(ctx context.Context) (comparator.Verdict, error) {
		select {
		case <-time.After(d):
			return next(ctx)
		case <-ctx.Done():
			return comparator.Verdict{}, ctx.Err()
		}
	}
}

type fixture struct {
	index    *gallery.Index
	images   *blobstore.MemoryStore
	probes   *blobstore.MemoryStore
	cmp      *scriptedComparator
	probeKey string
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		index:  gallery.NewIndex(nil, zap.NewNop()),
		images: blobstore.NewMemoryStore(nil),
		probes: blobstore.NewMemoryStore(blobstore.RandomKey),
		cmp:    &scriptedComparator{script: map[string]behaviour{}},
	}
	for _, n := range names {
		res, err := f.images.Put(ctx, []byte(n))
		if err != nil {
			t.Fatalf("put %s: %v", n, err)
		}
		if _, err := f.index.Add(ctx, n, res.Key); err != nil {
			t.Fatalf("add %s: %v", n, err)
		}
	}
	res, err := f.probes.Put(ctx, []byte("probe"))
	if err != nil {
		t.Fatalf("put probe: %v", err)
	}
	f.probeKey = res.Key
	return f
}

func (f *fixture) engine(opts Options) *Engine {
	return NewEngine(f.index, f.probes, f.images, f.cmp, opts, zap.NewNop())
}

func TestVerifyEmptyGallery(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine(Options{Workers: 4}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified || res.Matched != nil {
		t.Fatalf("expected no match, got %+v", res)
	}
	if f.cmp.callCount() != 0 {
		t.Fatalf("expected zero comparator calls, got %d", f.cmp.callCount())
	}
}

func TestVerifyMissingProbe(t *testing.T) {
	f := newFixture(t, "A")
	_, err := f.engine(Options{Workers: 1}).Verify(context.Background(), "probe/unknown")
	if !errors.Is(err, ErrProbeNotFound) {
		t.Fatalf("expected ErrProbeNotFound, got %v", err)
	}
	if f.cmp.callCount() != 0 {
		t.Fatalf("expected zero comparator calls, got %d", f.cmp.callCount())
	}
}

func TestVerifyFirstMatchStopsScan(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = match(0.9)
	f.cmp.script["C"] = match(0.99)

	res, err := f.engine(Options{Workers: 1}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "A.jpg" || res.Score != 0.9 {
		t.Fatalf("expected A to win with its own score, got %+v", res)
	}
	if f.cmp.callCount() != 1 {
		t.Fatalf("expected scan to stop after the first match, got %d calls", f.cmp.callCount())
	}
}

func TestVerifyParallelKeepsSnapshotOrder(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newFixture(t, "A", "B", "C")
		f.cmp.script["A"] = delayed(30*time.Millisecond, match(0.8))
		f.cmp.script["C"] = match(0.99)

		res, err := f.engine(Options{Workers: 3}).Verify(context.Background(), f.probeKey)
		if err != nil {
			t.Fatalf("run %d: verify: %v", run, err)
		}
		if !res.Verified || res.Matched.Name != "A.jpg" {
			t.Fatalf("run %d: expected A to win over faster C, got %+v", run, res.Matched)
		}
	}
}

func TestVerifyFailureIsolation(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["B"] = fail(errors.New("no face detected"))
	f.cmp.script["C"] = match(0.7)

	res, err := f.engine(Options{Workers: 2}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "C.jpg" {
		t.Fatalf("expected C to match despite B failing, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Identity.Name != "B.jpg" || res.Errors[0].Kind != FailureCompare {
		t.Fatalf("expected B failure to be recorded, got %+v", res.Errors)
	}
	if res.Compared != 2 {
		t.Fatalf("expected 2 successful comparisons, got %d", res.Compared)
	}
}

func TestVerifyTrueMatchUnaffectedByLaterFailure(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = delayed(20*time.Millisecond, match(0.95))
	f.cmp.script["B"] = fail(errors.New("corrupt"))

	res, err := f.engine(Options{Workers: 3}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "A.jpg" {
		t.Fatalf("expected A, got %+v", res)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("failures after the winner must not be reported, got %+v", res.Errors)
	}
}

func TestVerifyNoMatchIsNotAnError(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["B"] = fail(errors.New("corrupt"))

	res, err := f.engine(Options{Workers: 2}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified || res.Matched != nil {
		t.Fatalf("expected no match, got %+v", res)
	}
	if res.Compared != 2 || len(res.Errors) != 1 || res.Candidates != 3 {
		t.Fatalf("unexpected accounting: %+v", res)
	}
}

func TestVerifyAllCandidatesFailIsSystemic(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	for _, n := range []string{"A", "B", "C"} {
		f.cmp.script[n] = fail(fmt.Errorf("decode %s", n))
	}

	res, err := f.engine(Options{Workers: 2}).Verify(context.Background(), f.probeKey)
	var sysErr *SystemicError
	if !errors.As(err, &sysErr) {
		t.Fatalf("expected SystemicError, got result=%+v err=%v", res, err)
	}
	if len(sysErr.Errors) != 3 || sysErr.Candidates != 3 {
		t.Fatalf("expected all 3 failures, got %+v", sysErr)
	}
	for i, ce := range sysErr.Errors {
		if ce.Index != i {
			t.Fatalf("expected failures in snapshot order, got %+v", sysErr.Errors)
		}
	}
}

func TestVerifyTimeoutIsPerCandidate(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = delayed(time.Second, match(1))
	f.cmp.script["C"] = match(0.8)

	res, err := f.engine(Options{Workers: 1, CompareTimeout: 20 * time.Millisecond}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "C.jpg" {
		t.Fatalf("expected C, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != FailureTimeout {
		t.Fatalf("expected a timeout failure for A, got %+v", res.Errors)
	}
}

func TestVerifyTimeoutIgnoredByComparatorStillBounded(t *testing.T) {
	f := newFixture(t, "A")
	release := make(chan struct{})
	defer close(release)
	f.cmp.script["A"] = func(context.Context) (comparator.Verdict, error) {
		<-release
		return comparator.Verdict{Verified: true}, nil
	}

	start := time.Now()
	_, err := f.engine(Options{Workers: 1, CompareTimeout: 20 * time.Millisecond}).Verify(context.Background(), f.probeKey)
	var sysErr *SystemicError
	if !errors.As(err, &sysErr) {
		t.Fatalf("expected SystemicError when every candidate times out, got %v", err)
	}
	if sysErr.Errors[0].Kind != FailureTimeout {
		t.Fatalf("expected timeout kind, got %s", sysErr.Errors[0].Kind)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("verify was not bounded by the timeout: %s", elapsed)
	}
}

func TestVerifyMissingGalleryBlobIsPerCandidate(t *testing.T) {
	f := newFixture(t, "A", "B")
	a, _ := f.index.Lookup("A")
	if err := f.images.Delete(context.Background(), a.BlobKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.cmp.script["B"] = match(0.9)

	res, err := f.engine(Options{Workers: 2}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "B.jpg" {
		t.Fatalf("expected B, got %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != FailureLoad || !errors.Is(res.Errors[0], blobstore.ErrNotFound) {
		t.Fatalf("expected load failure for A, got %+v", res.Errors)
	}
}

func TestVerifyComparatorUnavailableIsSystemic(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = fail(fmt.Errorf("%w: connection refused", comparator.ErrUnavailable))

	_, err := f.engine(Options{Workers: 1}).Verify(context.Background(), f.probeKey)
	var sysErr *SystemicError
	if !errors.As(err, &sysErr) || !errors.Is(err, comparator.ErrUnavailable) {
		t.Fatalf("expected systemic unavailable error, got %v", err)
	}
	if f.cmp.callCount() != 1 {
		t.Fatalf("expected scan to abort after the first call, got %d calls", f.cmp.callCount())
	}
}

func TestVerifyRecoversComparatorPanic(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.cmp.script["A"] = func(context.Context) (comparator.Verdict, error) { panic("model crashed") }
	f.cmp.script["B"] = match(0.6)

	res, err := f.engine(Options{Workers: 1}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Matched.Name != "B.jpg" || len(res.Errors) != 1 {
		t.Fatalf("expected B with A recorded as failure, got %+v", res)
	}
}

func TestVerifyCancelledContextIsSystemic(t *testing.T) {
	f := newFixture(t, "A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	f.cmp.script["A"] = func(context.Context) (comparator.Verdict, error) {
		cancel()
		return comparator.Verdict{}, nil
	}

	_, err := f.engine(Options{Workers: 1}).Verify(ctx, f.probeKey)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}
}

func TestVerifyIgnoresEnrollmentDuringScan(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.cmp.script["A"] = func(ctx context.Context) (comparator.Verdict, error) {
		res, _ := f.images.Put(ctx, []byte("Z"))
		if _, err := f.index.Add(ctx, "Z", res.Key); err != nil {
			return comparator.Verdict{}, err
		}
		return comparator.Verdict{}, nil
	}
	f.cmp.script["Z"] = match(1)

	res, err := f.engine(Options{Workers: 1}).Verify(context.Background(), f.probeKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified || res.Candidates != 2 {
		t.Fatalf("expected the scan to only see its snapshot, got %+v", res)
	}
	if f.index.Len() != 3 {
		t.Fatalf("expected the enrollment to commit, got %d identities", f.index.Len())
	}
}

func TestVerifyLowerMatchWinsOverLaterUnavailable(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newFixture(t, "A", "B", "C")
		f.cmp.script["A"] = delayed(30*time.Millisecond, match(0.9))
		f.cmp.script["C"] = fail(fmt.Errorf("%w: blip", comparator.ErrUnavailable))

		res, err := f.engine(Options{Workers: 3}).Verify(context.Background(), f.probeKey)
		if err != nil {
			t.Fatalf("run %d: expected A to win, got %v", run, err)
		}
		if !res.Verified || res.Matched.Name != "A.jpg" || res.Score != 0.9 {
			t.Fatalf("run %d: expected A, got %+v", run, res)
		}
	}
}

func TestVerifyUnavailableBehindUnmatchedPrefixIsSystemic(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = delayed(20*time.Millisecond, fail(errors.New("no face detected")))
	f.cmp.script["C"] = fail(fmt.Errorf("%w: blip", comparator.ErrUnavailable))

	_, err := f.engine(Options{Workers: 3}).Verify(context.Background(), f.probeKey)
	var sysErr *SystemicError
	if !errors.As(err, &sysErr) || !errors.Is(err, comparator.ErrUnavailable) {
		t.Fatalf("expected systemic unavailable error, got %v", err)
	}
	if len(sysErr.Errors) != 1 || sysErr.Errors[0].Identity.Name != "A.jpg" {
		t.Fatalf("expected only failures before the unavailable candidate, got %+v", sysErr.Errors)
	}
}

func TestVerifyUnavailableCancelsHigherCandidates(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.cmp.script["A"] = fail(fmt.Errorf("%w: blip", comparator.ErrUnavailable))
	f.cmp.script["B"] = delayed(5*time.Second, match(1))
	f.cmp.script["C"] = delayed(5*time.Second, match(1))

	start := time.Now()
	_, err := f.engine(Options{Workers: 3}).Verify(context.Background(), f.probeKey)
	if !errors.Is(err, comparator.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("higher candidates were not stopped: %s", elapsed)
	}
}

func TestConcludeCompletedScanIgnoresLateCancellation(t *testing.T) {
	f := newFixture(t, "A", "B")
	e := f.engine(Options{Workers: 1})
	snap := f.index.Snapshot()
	resolved := []*outcome{
		{index: 0, verdict: comparator.Verdict{Score: 0.2}},
		{index: 1, verdict: comparator.Verdict{Score: 0.3}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.conclude(ctx, snap, resolved, 2, -1)
	if err != nil {
		t.Fatalf("expected no-match result for a completed scan, got %v", err)
	}
	if res.Verified || res.Compared != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	resolved[1] = &outcome{index: 1, skipped: true}
	if _, err := e.conclude(ctx, snap, resolved, 2, -1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation for an incomplete scan, got %v", err)
	}
}
