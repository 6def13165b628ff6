package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps verification logs in process memory. It backs the
// memory database driver, where nothing survives a restart.
type MemoryRepository struct {
	mu        sync.RWMutex
	logs      []VerificationLog
	byRequest map[string]int
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byRequest: make(map[string]int)}
}

func (m *MemoryRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	log.ID = uint(len(m.logs) + 1)
	m.byRequest[log.RequestID] = len(m.logs)
	m.logs = append(m.logs, *log)
	return nil
}

func (m *MemoryRepository) FindByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byRequest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	log := m.logs[i]
	return &log, nil
}

func (m *MemoryRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		agg        MetricsAggregation
		scoreSum   float64
		latencySum float64
	)
	for _, log := range m.logs {
		agg.add(log)
		latencySum += float64(log.LatencyMs)
		if log.Outcome == OutcomeMatch {
			scoreSum += log.Score
		}
	}
	if agg.TotalCount > 0 {
		agg.AverageLatencyMs = latencySum / float64(agg.TotalCount)
	}
	if agg.MatchCount > 0 {
		agg.AverageScore = scoreSum / float64(agg.MatchCount)
	}
	return &agg, nil
}
