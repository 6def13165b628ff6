package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/retry"
)

// GormRepository persists identities and verification logs in Postgres.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewGormRepository creates a new repository instance.
func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{
		db:     db,
		logger: logger.Named("gorm_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *GormRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentityRecord{}, &VerificationLog{})
}

// ListIdentities returns identities in enrollment order.
func (r *GormRepository) ListIdentities(ctx context.Context) ([]gallery.Identity, error) {
	var records []IdentityRecord
	err := r.executeWithRetry(ctx, "repository.list_identities", "", func() error {
		return r.db.WithContext(ctx).Order("id ASC").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]gallery.Identity, 0, len(records))
	for _, rec := range records {
		out = append(out, identityFromRecord(rec))
	}
	return out, nil
}

// SaveIdentity inserts one identity.
func (r *GormRepository) SaveIdentity(ctx context.Context, identity gallery.Identity) error {
	rec := &IdentityRecord{Name: identity.Name, BlobKey: identity.BlobKey, EnrolledAt: identity.EnrolledAt}
	return r.executeWithRetry(ctx, "repository.save_identity", "", func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// DeleteIdentity removes an identity by its canonical name.
func (r *GormRepository) DeleteIdentity(ctx context.Context, name string) error {
	return r.executeWithRetry(ctx, "repository.delete_identity", "", func() error {
		return r.db.WithContext(ctx).Where("name = ?", name).Delete(&IdentityRecord{}).Error
	})
}

// SaveLog persists a verification log entry.
func (r *GormRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the verification log of one request.
func (r *GormRepository) FindByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarizes all verification logs.
func (r *GormRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		Total      int64
		Matched    int64
		NoMatch    int64
		Systemic   int64
		Invalid    int64
		Candidates int64
		Failed     int64
		AvgScore   float64
		AvgLatency float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationLog{}).
			Select(`COUNT(*) AS total,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS matched,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS no_match,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS systemic,
				COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS invalid,
				COALESCE(SUM(candidates), 0) AS candidates,
				COALESCE(SUM(failed_candidates), 0) AS failed,
				COALESCE(AVG(CASE WHEN outcome = ? THEN score END), 0) AS avg_score,
				COALESCE(AVG(latency_ms), 0) AS avg_latency`,
				OutcomeMatch, OutcomeNoMatch, OutcomeSystemicFailure, OutcomeInvalid, OutcomeMatch).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:           row.Total,
		MatchCount:           row.Matched,
		NoMatchCount:         row.NoMatch,
		SystemicFailureCount: row.Systemic,
		InvalidCount:         row.Invalid,
		CandidateCount:       row.Candidates,
		FailedCandidateCount: row.Failed,
		AverageScore:         row.AvgScore,
		AverageLatencyMs:     row.AvgLatency,
	}, nil
}

func (r *GormRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.policy, operation, requestID, fn)
}
