// Package sqlite provides a SQLite-backed store for gallery identities and
// verification logs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/repository"
	"github.com/example/face-gallery/internal/repository/sqlite/migrations"
)

// Store persists gallery state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ListIdentities returns identities in enrollment order.
func (s *Store) ListIdentities(ctx context.Context) ([]gallery.Identity, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, blob_key, enrolled_at FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []gallery.Identity
	for rows.Next() {
		var (
			identity   gallery.Identity
			enrolledAt int64
		)
		if err := rows.Scan(&identity.Name, &identity.BlobKey, &enrolledAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identity.EnrolledAt = fromMillis(enrolledAt)
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// SaveIdentity inserts one identity. A case-insensitive name clash returns
// gallery.ErrConflict.
func (s *Store) SaveIdentity(ctx context.Context, identity gallery.Identity) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO identities (name, blob_key, enrolled_at) VALUES (?, ?, ?)`,
		identity.Name, identity.BlobKey, toMillis(identity.EnrolledAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", gallery.ErrConflict, identity.Name)
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes the identity with the given name.
func (s *Store) DeleteIdentity(ctx context.Context, name string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM identities WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// SaveLog persists a verification log entry.
func (s *Store) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO verification_logs (
		   request_id, outcome, matched_name, score, candidates, compared,
		   failed_candidates, probe_sha256, latency_ms, details, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.RequestID, log.Outcome, log.MatchedName, log.Score, log.Candidates, log.Compared,
		log.FailedCandidates, log.ProbeSHA256, log.LatencyMs, log.Details, toMillis(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert verification log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = uint(id)
	}
	return nil
}

// FindByRequestID retrieves the verification log of one request.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	var (
		log       repository.VerificationLog
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, request_id, outcome, matched_name, score, candidates, compared,
		        failed_candidates, probe_sha256, latency_ms, details, created_at
		   FROM verification_logs WHERE request_id = ?`, requestID,
	).Scan(&log.ID, &log.RequestID, &log.Outcome, &log.MatchedName, &log.Score, &log.Candidates,
		&log.Compared, &log.FailedCandidates, &log.ProbeSHA256, &log.LatencyMs, &log.Details, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get verification log: %w", err)
	}
	log.CreatedAt = fromMillis(createdAt)
	return &log, nil
}

// AggregateMetrics summarizes all verification logs.
func (s *Store) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	var agg repository.MetricsAggregation
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(outcome = ?), 0),
		        COALESCE(SUM(outcome = ?), 0),
		        COALESCE(SUM(outcome = ?), 0),
		        COALESCE(SUM(outcome = ?), 0),
		        COALESCE(SUM(candidates), 0),
		        COALESCE(SUM(failed_candidates), 0),
		        COALESCE(AVG(CASE WHEN outcome = ? THEN score END), 0),
		        COALESCE(AVG(latency_ms), 0)
		   FROM verification_logs`,
		repository.OutcomeMatch, repository.OutcomeNoMatch, repository.OutcomeSystemicFailure,
		repository.OutcomeInvalid, repository.OutcomeMatch,
	).Scan(&agg.TotalCount, &agg.MatchCount, &agg.NoMatchCount, &agg.SystemicFailureCount,
		&agg.InvalidCount, &agg.CandidateCount, &agg.FailedCandidateCount,
		&agg.AverageScore, &agg.AverageLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	return &agg, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
