package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
)

// SQLiteLedger keeps attempt records in a local database file, for workers
// that share a host volume.
type SQLiteLedger struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// NewSQLite opens (creating if needed) the database at path and migrates it.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite ledger dir: %w", err)
	}
	registerHook()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite ledger: %w", err)
	}
	if err := migrate(db, "sqlite3", "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Debug("sqlite ledger ready", "path", path)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close(context.Context) error {
	return l.db.Close()
}

func (l *SQLiteLedger) Get(ctx context.Context, fp Fingerprint) (Record, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT failures, last_outcome, last_error, updated_at
FROM transcode_attempts
WHERE source_key = ? AND digest = ?
`, fp.SourceKey, fp.Digest)
	rec, err := scanSQLiteRecord(fp, row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{Fingerprint: fp}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read attempts: %w", err)
	}
	return rec, nil
}

func (l *SQLiteLedger) RecordFailure(ctx context.Context, fp Fingerprint, cause string) (Record, error) {
	row := l.db.QueryRowContext(ctx, `
INSERT INTO transcode_attempts (source_key, digest, failures, last_outcome, last_error, updated_at)
VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT (source_key, digest) DO UPDATE SET
    failures = failures + 1,
    last_outcome = excluded.last_outcome,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at
RETURNING failures, last_outcome, last_error, updated_at
`, fp.SourceKey, fp.Digest, OutcomeEngineFailure, truncateError(cause), time.Now().UTC().UnixMilli())
	rec, err := scanSQLiteRecord(fp, row)
	if err != nil {
		return Record{}, fmt.Errorf("record failure: %w", err)
	}
	return rec, nil
}

func (l *SQLiteLedger) Resolve(ctx context.Context, fp Fingerprint, outcome string) error {
	reset := 0
	if outcome == OutcomePublished {
		reset = 1
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO transcode_attempts (source_key, digest, failures, last_outcome, last_error, updated_at)
VALUES (?, ?, 0, ?, '', ?)
ON CONFLICT (source_key, digest) DO UPDATE SET
    failures = CASE WHEN ? = 1 THEN 0 ELSE failures END,
    last_outcome = excluded.last_outcome,
    last_error = '',
    updated_at = excluded.updated_at
`, fp.SourceKey, fp.Digest, outcome, time.Now().UTC().UnixMilli(), reset)
	if err != nil {
		return fmt.Errorf("resolve attempts: %w", err)
	}
	return nil
}

func scanSQLiteRecord(fp Fingerprint, row *sql.Row) (Record, error) {
	rec := Record{Fingerprint: fp}
	var updated int64
	if err := row.Scan(&rec.Failures, &rec.LastOutcome, &rec.LastError, &updated); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}
