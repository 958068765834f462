package saga

import (
	"context"
	"sync"
	"time"
)

// JournalEntry is one row of a run's step journal.
type JournalEntry struct {
	Step   string
	Status string
	Detail string
	At     time.Time
}

// MemoryStore keeps the saga journal in memory. It backs single-process
// deployments without a database and tests.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]string
	records map[string]SagaRecord
	steps   map[string][]JournalEntry
}

// NewMemoryStore constructs an empty journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:   make(map[string]string),
		records: make(map[string]SagaRecord),
		steps:   make(map[string][]JournalEntry),
	}
}

// Start records a new run, or returns the run already recorded for
// idempotencyKey. Replaced runs stay readable through Record.
func (m *MemoryStore) Start(_ context.Context, idempotencyKey, sagaID, orderID, userID, requestHash string) (SagaRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byKey[idempotencyKey]; ok {
		record := m.records[existingID]
		if record.UserID != userID || record.RequestHash != requestHash {
			return SagaRecord{}, false, ErrIdempotencyConflict
		}
		if !record.Status.AllowsResubmit() {
			return record, false, nil
		}
	}

	record := SagaRecord{
		SagaID:      sagaID,
		OrderID:     orderID,
		UserID:      userID,
		RequestHash: requestHash,
		Status:      StateRunning,
	}
	m.byKey[idempotencyKey] = sagaID
	m.records[sagaID] = record
	return record, true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, sagaID string, status State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[sagaID]
	if !ok {
		return nil
	}
	record.Status = status
	m.records[sagaID] = record
	return nil
}

func (m *MemoryStore) AddStep(_ context.Context, sagaID, step, status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[sagaID] = append(m.steps[sagaID], JournalEntry{Step: step, Status: status, Detail: detail, At: time.Now()})
	return nil
}

// Record returns the stored run for sagaID.
func (m *MemoryStore) Record(sagaID string) (SagaRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[sagaID]
	return record, ok
}

// Journal returns a copy of the step journal for sagaID.
func (m *MemoryStore) Journal(sagaID string) []JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JournalEntry, len(m.steps[sagaID]))
	copy(out, m.steps[sagaID])
	return out
}

// Each calls fn for every stored run.
func (m *MemoryStore) Each(fn func(SagaRecord)) {
	m.mu.Lock()
	records := make([]SagaRecord, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.Unlock()
	for _, r := range records {
		fn(r)
	}
}
