package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresLedger persists attempt records so that every worker replica sees
// the same failure counts.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgres migrates the schema and opens a connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres ledger dsn required")
	}
	if err := migratePostgres(ctx, dsn); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres ledger config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger pool: %w", err)
	}
	if logger != nil {
		logger.Debug("postgres ledger ready", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	}
	return &PostgresLedger{pool: pool}, nil
}

func migratePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres ledger: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres ledger: %w", err)
	}
	return migrate(db, "postgres", "migrations/postgres")
}

// Close releases the pool, giving up when ctx expires first.
func (l *PostgresLedger) Close(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (l *PostgresLedger) Get(ctx context.Context, fp Fingerprint) (Record, error) {
	row := l.pool.QueryRow(ctx, `
SELECT failures, last_outcome, last_error, updated_at
FROM transcode_attempts
WHERE source_key = $1 AND digest = $2
`, fp.SourceKey, fp.Digest)
	rec := Record{Fingerprint: fp}
	if err := row.Scan(&rec.Failures, &rec.LastOutcome, &rec.LastError, &rec.UpdatedAt); err != nil {
		if isNoRows(err) {
			return Record{Fingerprint: fp}, nil
		}
		return Record{}, fmt.Errorf("read attempts: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) RecordFailure(ctx context.Context, fp Fingerprint, cause string) (Record, error) {
	row := l.pool.QueryRow(ctx, `
INSERT INTO transcode_attempts (source_key, digest, failures, last_outcome, last_error, updated_at)
VALUES ($1, $2, 1, $3, $4, $5)
ON CONFLICT (source_key, digest) DO UPDATE SET
    failures = transcode_attempts.failures + 1,
    last_outcome = EXCLUDED.last_outcome,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at
RETURNING failures, last_outcome, last_error, updated_at
`, fp.SourceKey, fp.Digest, OutcomeEngineFailure, truncateError(cause), time.Now().UTC())
	rec := Record{Fingerprint: fp}
	if err := row.Scan(&rec.Failures, &rec.LastOutcome, &rec.LastError, &rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("record failure: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) Resolve(ctx context.Context, fp Fingerprint, outcome string) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO transcode_attempts (source_key, digest, failures, last_outcome, last_error, updated_at)
VALUES ($1, $2, 0, $3, '', $4)
ON CONFLICT (source_key, digest) DO UPDATE SET
    failures = CASE WHEN $5::boolean THEN 0 ELSE transcode_attempts.failures END,
    last_outcome = EXCLUDED.last_outcome,
    last_error = '',
    updated_at = EXCLUDED.updated_at
`, fp.SourceKey, fp.Digest, outcome, time.Now().UTC(), outcome == OutcomePublished)
	if err != nil {
		return fmt.Errorf("resolve attempts: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
