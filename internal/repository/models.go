package repository

import (
	"errors"
	"time"

	"github.com/example/face-gallery/internal/gallery"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Verification outcomes stored in VerificationLog.Outcome.
const (
	OutcomeMatch           = "match"
	OutcomeNoMatch         = "no_match"
	OutcomeSystemicFailure = "systemic_failure"
	OutcomeInvalid         = "invalid"
)

// IdentityRecord is the persisted form of a gallery identity.
type IdentityRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Name       string    `gorm:"column:name;uniqueIndex;size:255"`
	BlobKey    string    `gorm:"column:blob_key;index;size:128"`
	EnrolledAt time.Time `gorm:"column:enrolled_at"`
}

// TableName overrides the default table name.
func (IdentityRecord) TableName() string {
	return "identities"
}

func identityFromRecord(rec IdentityRecord) gallery.Identity {
	return gallery.Identity{Name: rec.Name, BlobKey: rec.BlobKey, EnrolledAt: rec.EnrolledAt.UTC()}
}

// VerificationLog represents one persisted verification request.
type VerificationLog struct {
	ID               uint      `gorm:"primaryKey"`
	RequestID        string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Outcome          string    `gorm:"column:outcome;size:32;index"`
	MatchedName      string    `gorm:"column:matched_name;size:255"`
	Score            float64   `gorm:"column:score"`
	Candidates       int       `gorm:"column:candidates"`
	Compared         int       `gorm:"column:compared"`
	FailedCandidates int       `gorm:"column:failed_candidates"`
	ProbeSHA256      string    `gorm:"column:probe_sha256;size:64;index"`
	LatencyMs        int64     `gorm:"column:latency_ms"`
	Details          string    `gorm:"column:details;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation holds raw aggregates over verification logs.
type MetricsAggregation struct {
	TotalCount           int64
	MatchCount           int64
	NoMatchCount         int64
	SystemicFailureCount int64
	InvalidCount         int64
	// CandidateCount and FailedCandidateCount sum the per-request
	// candidates and per-candidate failures.
	CandidateCount       int64
	FailedCandidateCount int64
	AverageScore         float64
	AverageLatencyMs     float64
}

// Count returns the number of logs with the given outcome.
func (a *MetricsAggregation) Count(outcome string) int64 {
	switch outcome {
	case OutcomeMatch:
		return a.MatchCount
	case OutcomeNoMatch:
		return a.NoMatchCount
	case OutcomeSystemicFailure:
		return a.SystemicFailureCount
	case OutcomeInvalid:
		return a.InvalidCount
	}
	return 0
}

// add folds one log into the aggregation. Averages are left to the caller.
func (a *MetricsAggregation) add(log VerificationLog) {
	a.TotalCount++
	a.CandidateCount += int64(log.Candidates)
	a.FailedCandidateCount += int64(log.FailedCandidates)
	switch log.Outcome {
	case OutcomeMatch:
		a.MatchCount++
	case OutcomeNoMatch:
		a.NoMatchCount++
	case OutcomeSystemicFailure:
		a.SystemicFailureCount++
	case OutcomeInvalid:
		a.InvalidCount++
	}
}
