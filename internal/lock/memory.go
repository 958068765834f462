package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker grants leases within a single process. It is used when no Redis
// is configured and by tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
	poll   time.Duration
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker constructs an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryEntry),
		now:    time.Now,
		poll:   2 * time.Millisecond,
	}
}

// Acquire obtains the lease for key, polling until wait elapses. An expired
// lease is taken over.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (Lease, error) {
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	deadline := l.now().Add(wait)
	token := uuid.NewString()

	for {
		if l.tryAcquire(key, token, lease) {
			return &memoryLease{locker: l, key: key, token: token}, nil
		}
		if !l.now().Before(deadline) {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, lease time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return false
	}
	l.leases[key] = memoryEntry{token: token, expiresAt: now.Add(lease)}
	return true
}

func (l *MemoryLocker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.token != token || !l.now().Before(cur.expiresAt) {
		return ErrNotHeld
	}
	delete(l.leases, key)
	return nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string {
	return l.key
}

func (l *memoryLease) Release(context.Context) error {
	return l.locker.release(l.key, l.token)
}
