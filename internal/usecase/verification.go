package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/blobstore"
	"github.com/example/face-gallery/internal/cache"
	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/imageprocessor"
	"github.com/example/face-gallery/internal/logging"
	"github.com/example/face-gallery/internal/match"
	"github.com/example/face-gallery/internal/repository"
	"github.com/example/face-gallery/internal/retry"
)

const (
	probeCleanupTimeout = 5 * time.Second
	recordTimeout       = 10 * time.Second
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Enroller manages gallery membership.
type Enroller interface {
	Enroll(ctx context.Context, name string, data []byte) (gallery.Identity, error)
	Deregister(ctx context.Context, name string) (gallery.Identity, error)
	List() []gallery.Identity
}

// Matcher scans the gallery for a stored probe.
type Matcher interface {
	Verify(ctx context.Context, probeKey string) (*match.Result, error)
}

// Options configure the use case.
type Options struct {
	ResultTTL time.Duration
}

// FaceUseCase encapsulates the enrollment and verification flows.
type FaceUseCase struct {
	repo      VerificationRepository
	cache     cache.Cache
	probes    blobstore.Store
	enroller  Enroller
	matcher   Matcher
	logger    *zap.Logger
	resultTTL time.Duration
	policy    retry.Policy
	now       func() time.Time
}

// VerificationSummary is the cached and queryable outcome of one request.
type VerificationSummary struct {
	RequestID        string    `json:"request_id"`
	Outcome          string    `json:"outcome"`
	MatchedWith      string    `json:"matched_with,omitempty"`
	Score            float64   `json:"score"`
	Candidates       int       `json:"candidates"`
	Compared         int       `json:"compared"`
	FailedCandidates int       `json:"failed_candidates"`
	ProbeSHA256      string    `json:"probe_sha256"`
	LatencyMs        int64     `json:"latency_ms"`
	Details          string    `json:"details"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewFaceUseCase constructs a new use case instance.
func NewFaceUseCase(repo VerificationRepository, c cache.Cache, probes blobstore.Store, enroller Enroller, matcher Matcher, opts Options, logger *zap.Logger) *FaceUseCase {
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FaceUseCase{
		repo:      repo,
		cache:     c,
		probes:    probes,
		enroller:  enroller,
		matcher:   matcher,
		logger:    logger.Named("face_usecase"),
		resultTTL: ttl,
		policy:    retry.DefaultPolicy,
		now:       time.Now,
	}
}

// VerifyFace checks imageBytes against the gallery. The request id is
// returned on every path that got far enough to be audited. A no-match is a
// successful call with result.Verified false.
func (uc *FaceUseCase) VerifyFace(ctx context.Context, imageBytes []byte) (string, *match.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_face", requestID)
	start := uc.now()
	log := &repository.VerificationLog{
		RequestID:   requestID,
		ProbeSHA256: blobstore.Digest(imageBytes),
	}

	if _, err := imageprocessor.Validate(imageBytes); err != nil {
		log.Outcome = repository.OutcomeInvalid
		log.Details = err.Error()
		uc.record(ctx, log, start)
		return requestID, nil, logging.NewOperationError("usecase.validate_probe", requestID, err)
	}

	probe, err := uc.probes.Put(ctx, imageBytes)
	if err != nil {
		log.Outcome = repository.OutcomeSystemicFailure
		log.Details = err.Error()
		uc.record(ctx, log, start)
		wrapped := logging.NewOperationError("usecase.store_probe", requestID, err)
		opLogger.Error("failed to store probe", zap.Error(wrapped))
		return requestID, nil, wrapped
	}
	defer uc.discardProbe(ctx, requestID, probe.Key)

	result, err := uc.matcher.Verify(ctx, probe.Key)
	if err != nil {
		log.Outcome = repository.OutcomeSystemicFailure
		log.Details = err.Error()
		var sysErr *match.SystemicError
		if errors.As(err, &sysErr) {
			log.Candidates = sysErr.Candidates
			log.FailedCandidates = len(sysErr.Errors)
		}
		uc.record(ctx, log, start)
		wrapped := logging.NewOperationError("usecase.match", requestID, err)
		opLogger.Error("verification failed", zap.Error(wrapped))
		return requestID, nil, wrapped
	}

	log.Candidates = result.Candidates
	log.Compared = result.Compared
	log.FailedCandidates = len(result.Errors)
	log.Details = describe(result)
	if result.Verified {
		log.Outcome = repository.OutcomeMatch
		log.MatchedName = result.Matched.Name
		log.Score = result.Score
	} else {
		log.Outcome = repository.OutcomeNoMatch
	}
	uc.record(ctx, log, start)

	opLogger.Info("verification completed",
		zap.String("outcome", log.Outcome),
		zap.String("matched_with", log.MatchedName),
		zap.Int("candidates", result.Candidates),
		zap.Int("compared", result.Compared),
		zap.Int("failed_candidates", len(result.Errors)))
	return requestID, result, nil
}

// GetResult retrieves a cached verification outcome or loads it from persistence.
func (uc *FaceUseCase) GetResult(ctx context.Context, requestID string) (*VerificationSummary, error) {
	cacheKey := resultCacheKey(requestID)
	var (
		cached []byte
		miss   bool
	)
	err := retry.Do(ctx, uc.logger, uc.policy, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if errors.Is(err, cache.ErrMiss) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	switch {
	case err != nil:
		opLogger.Warn("failed to read cache", zap.Error(err))
	case !miss:
		var summary VerificationSummary
		decodeErr := json.Unmarshal(cached, &summary)
		if decodeErr == nil {
			return &summary, nil
		}
		opLogger.Warn("failed to decode cached result", zap.Error(decodeErr))
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return summaryFromLog(log), nil
}

// record persists the audit log and caches its summary. It runs detached
// from request cancellation so a disconnecting client still leaves a trail.
// Failures are logged and never change the verdict.
func (uc *FaceUseCase) record(ctx context.Context, log *repository.VerificationLog, start time.Time) {
	log.LatencyMs = uc.now().Sub(start).Milliseconds()
	log.CreatedAt = uc.now().UTC()
	opLogger := logging.WithOperation(uc.logger, "usecase.record", log.RequestID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist verification log", zap.Error(err))
	}

	serialized, err := json.Marshal(summaryFromLog(log))
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return
	}
	if err := retry.Do(ctx, uc.logger, uc.policy, "cache.set.result", log.RequestID, func() error {
		return uc.cache.Set(ctx, resultCacheKey(log.RequestID), serialized, uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}
}

// discardProbe removes the ephemeral probe even when the request context is
// already cancelled.
func (uc *FaceUseCase) discardProbe(ctx context.Context, requestID, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeCleanupTimeout)
	defer cancel()
	if err := uc.probes.Delete(cleanupCtx, key); err != nil {
		logging.WithOperation(uc.logger, "usecase.discard_probe", requestID).
			Warn("failed to delete probe, relying on expiry", zap.String("probe_key", key), zap.Error(err))
	}
}

func resultCacheKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func describe(result *match.Result) string {
	details := fmt.Sprintf("verified:%t candidates:%d compared:%d failed:%d",
		result.Verified, result.Candidates, result.Compared, len(result.Errors))
	if len(result.Errors) > 0 {
		details += fmt.Sprintf(" first_error:%q", result.Errors[0].Error())
	}
	return details
}

func summaryFromLog(log *repository.VerificationLog) *VerificationSummary {
	return &VerificationSummary{
		RequestID:        log.RequestID,
		Outcome:          log.Outcome,
		MatchedWith:      log.MatchedName,
		Score:            log.Score,
		Candidates:       log.Candidates,
		Compared:         log.Compared,
		FailedCandidates: log.FailedCandidates,
		ProbeSHA256:      log.ProbeSHA256,
		LatencyMs:        log.LatencyMs,
		Details:          log.Details,
		CreatedAt:        log.CreatedAt,
	}
}
