// Package ledger records transcoding attempts per input so that a source the
// engine keeps failing on is eventually rejected instead of redelivered forever.
//
// An input is identified by its source key together with a digest of the
// downloaded bytes: replacing the object under the same key starts a fresh count.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pressly/goose/v3"
	"golang.org/x/crypto/blake2b"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Outcomes stored as the last result for a fingerprint.
const (
	OutcomeEngineFailure = "engine_failure"
	OutcomePublished     = "published"
	OutcomeRejected      = "rejected"
)

const maxErrorLength = 1024

// Fingerprint identifies one input.
type Fingerprint struct {
	SourceKey string
	Digest    string
}

func (f Fingerprint) String() string {
	return f.SourceKey + "@" + f.Digest
}

// Record is the attempt history kept for a fingerprint.
type Record struct {
	Fingerprint
	Failures    int
	LastOutcome string
	LastError   string
	UpdatedAt   time.Time
}

// Ledger stores attempt records.
type Ledger interface {
	// Get returns the record for fp, or a zero record when none exists.
	Get(ctx context.Context, fp Fingerprint) (Record, error)
	// RecordFailure counts one engine failure and returns the updated record.
	RecordFailure(ctx context.Context, fp Fingerprint, cause string) (Record, error)
	// Resolve stores a terminal outcome. Publishing resets the failure count.
	Resolve(ctx context.Context, fp Fingerprint, outcome string) error
	Close(ctx context.Context) error
}

// Supported driver names.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures the ledger backend.
type Config struct {
	Driver string
	// DSN is the Postgres connection string.
	DSN string
	// Path is the SQLite database file.
	Path  string
	Redis RedisConfig
}

// Open builds the configured ledger. An empty driver selects the in-memory
// ledger, which only bounds failures within one process.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverRedis:
		l, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DriverPostgres, "postgresql":
		l, err := NewPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DriverSQLite:
		l, err := NewSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

// FingerprintFile hashes the file at path with BLAKE2b-256.
func FingerprintFile(sourceKey, path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	hash, err := blake2b.New256(nil)
	if err != nil {
		return Fingerprint{}, err
	}
	if _, err := io.Copy(hash, f); err != nil {
		return Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Fingerprint{SourceKey: sourceKey, Digest: hex.EncodeToString(hash.Sum(nil))}, nil
}

// truncateError caps msg at maxErrorLength bytes without splitting a rune.
// Invalid sequences from ffmpeg output are replaced, since Postgres text
// columns reject them.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// goose keeps its base filesystem and dialect in package state.
var migrateMu sync.Mutex

func migrate(db *sql.DB, dialect, dir string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
