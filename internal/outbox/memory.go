package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in memory. It backs single-process deployments
// without a database and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     map[string]int
	next    int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		seq:     make(map[string]int),
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(rec)
	return nil
}

// EnqueueLocked lets another in-memory store write records inside its own
// critical section; callers pass every record of one commit at once.
func (m *MemoryStore) EnqueueLocked(recs []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.put(rec)
	}
}

func (m *MemoryStore) put(rec Record) {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	cp := rec
	m.records[rec.ID] = &cp
	m.seq[rec.ID] = m.next
	m.next++
}

func (m *MemoryStore) FindPending(_ context.Context, now time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		switch rec.Status {
		case StatusPending, StatusFailed:
			if !rec.NextAttemptAt.After(now) {
				out = append(out, *rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(rec *Record) {
		rec.Status = StatusSent
		rec.SentAt = &at
		rec.UpdatedAt = at
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string, nextAttemptAt time.Time) error {
	return m.update(id, func(rec *Record) {
		rec.Status = StatusFailed
		rec.RetryCount++
		rec.LastError = reason
		rec.NextAttemptAt = nextAttemptAt
		rec.UpdatedAt = time.Now().UTC()
	})
}

func (m *MemoryStore) MarkAbandoned(_ context.Context, id, reason string) error {
	return m.update(id, func(rec *Record) {
		rec.Status = StatusAbandoned
		rec.RetryCount++
		rec.LastError = reason
		rec.UpdatedAt = time.Now().UTC()
	})
}

// Requeue resets an abandoned record so the dispatcher picks it up again.
func (m *MemoryStore) Requeue(_ context.Context, id string) error {
	return m.update(id, func(rec *Record) {
		if rec.Status != StatusAbandoned {
			return
		}
		rec.Status = StatusPending
		rec.RetryCount = 0
		rec.NextAttemptAt = time.Now().UTC()
		rec.UpdatedAt = rec.NextAttemptAt
	})
}

// Get returns a copy of the record with id.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByOrder returns copies of every record for orderID in enqueue order.
func (m *MemoryStore) ByOrder(orderID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.OrderID == orderID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func (m *MemoryStore) update(id string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	return nil
}
