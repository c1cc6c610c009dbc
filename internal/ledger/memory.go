package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local ledger.
type Memory struct {
	mu      sync.Mutex
	records map[Fingerprint]Record
	now     func() time.Time
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[Fingerprint]Record), now: time.Now}
}

func (m *Memory) Get(_ context.Context, fp Fingerprint) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[fp]; ok {
		return rec, nil
	}
	return Record{Fingerprint: fp}, nil
}

func (m *Memory) RecordFailure(_ context.Context, fp Fingerprint, cause string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[fp]
	rec.Fingerprint = fp
	rec.Failures++
	rec.LastOutcome = OutcomeEngineFailure
	rec.LastError = truncateError(cause)
	rec.UpdatedAt = m.now().UTC()
	m.records[fp] = rec
	return rec, nil
}

func (m *Memory) Resolve(_ context.Context, fp Fingerprint, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[fp]
	rec.Fingerprint = fp
	if outcome == OutcomePublished {
		rec.Failures = 0
	}
	rec.LastOutcome = outcome
	rec.LastError = ""
	rec.UpdatedAt = m.now().UTC()
	m.records[fp] = rec
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }
