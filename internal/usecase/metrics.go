package usecase

import (
	"context"

	"github.com/example/face-gallery/internal/repository"
)

// MetricsSummary reports verification outcomes and comparator health.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	MatchedRequests            int64   `json:"matched_requests"`
	NoMatchRequests            int64   `json:"no_match_requests"`
	SystemicFailures           int64   `json:"systemic_failures"`
	InvalidRequests            int64   `json:"invalid_requests"`
	MatchRate                  float64 `json:"match_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
	// CandidateFailureRate is the share of gallery comparisons that errored
	// rather than producing a verdict.
	CandidateFailureRate float64 `json:"candidate_failure_rate"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
// Invalid requests never reach the gallery, so they count toward the total
// but not toward the match rate.
func (uc *FaceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	scanned := agg.TotalCount - agg.Count(repository.OutcomeInvalid)
	return &MetricsSummary{
		TotalRequests:              agg.TotalCount,
		MatchedRequests:            agg.Count(repository.OutcomeMatch),
		NoMatchRequests:            agg.Count(repository.OutcomeNoMatch),
		SystemicFailures:           agg.Count(repository.OutcomeSystemicFailure),
		InvalidRequests:            agg.Count(repository.OutcomeInvalid),
		MatchRate:                  ratio(agg.MatchCount, scanned),
		AverageScore:               agg.AverageScore,
		AverageProcessingLatencyMs: agg.AverageLatencyMs,
		CandidateFailureRate:       ratio(agg.FailedCandidateCount, agg.CandidateCount),
	}, nil
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
