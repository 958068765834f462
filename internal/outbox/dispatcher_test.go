package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/alert"
	"storefront/internal/reliability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	mu    sync.Mutex
	fails int
	calls map[string]int
	sent  []Record
}

func (p *flakyPublisher) Publish(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[rec.ID]++
	if p.fails < 0 || p.calls[rec.ID] <= p.fails {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, rec)
	return nil
}

func (p *flakyPublisher) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type recordingAlerter struct {
	mu       sync.Mutex
	critical []alert.Alert
}

func (a *recordingAlerter) RaiseCritical(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.critical = append(a.critical, al)
	return nil
}

func (a *recordingAlerter) RaiseWarning(context.Context, alert.Alert) error { return nil }

type statusCounter map[Status]int

func (s statusCounter) ObserveDelivery(status Status) { s[status]++ }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDispatcher(t *testing.T, store Store, pub Publisher, al alert.Alerter) (*Dispatcher, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDispatcher(store, pub, al, nil, DispatcherConfig{
		BatchSize:   10,
		MaxAttempts: 3,
		Backoff: reliability.RetryPolicy{
			BaseDelay: time.Second,
			MaxDelay:  time.Minute,
			Jitter:    func(d time.Duration) time.Duration { return d },
		},
	})
	d.now = clk.now
	return d, clk
}

func enqueue(t *testing.T, store *MemoryStore, orderID string, at time.Time) Record {
	t.Helper()
	rec, err := NewRecord(orderID, TypeOrderCompleted, map[string]string{"order_id": orderID}, at)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), rec))
	return rec
}

func TestDispatcher_DeliversPendingRecord(t *testing.T) {
	store := NewMemoryStore()
	pub := &flakyPublisher{}
	d, clk := newTestDispatcher(t, store, pub, nil)
	counts := statusCounter{}
	d.WithObserver(counts)
	rec := enqueue(t, store, "o-1", clk.now())

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, 1, counts[StatusSent])

	n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "sent records are not picked up again")
}

func TestDispatcher_BacksOffExponentially(t *testing.T) {
	store := NewMemoryStore()
	pub := &flakyPublisher{fails: 2}
	d, clk := newTestDispatcher(t, store, pub, nil)
	rec := enqueue(t, store, "o-1", clk.now())
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := store.Get(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, clk.now().Add(time.Second), got.NextAttemptAt)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "record is not due before its backoff elapses")

	clk.advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	got, _ = store.Get(rec.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, clk.now().Add(2*time.Second), got.NextAttemptAt)

	clk.advance(2 * time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	got, _ = store.Get(rec.ID)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 3, pub.callsFor(rec.ID))
}

func TestDispatcher_AbandonsAfterThreeAttempts(t *testing.T) {
	store := NewMemoryStore()
	pub := &flakyPublisher{fails: -1}
	alerter := &recordingAlerter{}
	d, clk := newTestDispatcher(t, store, pub, alerter)
	counts := statusCounter{}
	d.WithObserver(counts)
	rec := enqueue(t, store, "o-9", clk.now())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		clk.advance(time.Hour)
	}

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "broker unavailable", got.LastError)
	assert.Equal(t, 3, pub.callsFor(rec.ID), "never attempted a fourth time")
	assert.Equal(t, 2, counts[StatusFailed])
	assert.Equal(t, 1, counts[StatusAbandoned])

	require.Len(t, alerter.critical, 1)
	assert.Equal(t, "o-9", alerter.critical[0].OrderID)
	assert.Equal(t, "3", alerter.critical[0].Fields["attempts"])
}

func TestDispatcher_RequeueRestartsAbandoned(t *testing.T) {
	store := NewMemoryStore()
	pub := &flakyPublisher{fails: 3}
	d, clk := newTestDispatcher(t, store, pub, nil)
	rec := enqueue(t, store, "o-2", clk.now())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		clk.advance(time.Hour)
	}
	got, _ := store.Get(rec.ID)
	require.Equal(t, StatusAbandoned, got.Status)

	require.NoError(t, store.Requeue(ctx, rec.ID))
	d.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	got, _ = store.Get(rec.ID)
	assert.Equal(t, StatusSent, got.Status)
}

func TestDispatcher_OldestFirstWithinBatch(t *testing.T) {
	store := NewMemoryStore()
	pub := &flakyPublisher{}
	d, clk := newTestDispatcher(t, store, pub, nil)
	first := enqueue(t, store, "o-1", clk.now())
	second := enqueue(t, store, "o-2", clk.now())

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, first.ID, pub.sent[0].ID)
	assert.Equal(t, second.ID, pub.sent[1].ID)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, &flakyPublisher{}, nil, nil, DispatcherConfig{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	rec, err := NewRecord("o-3", TypeOrderCancelled, nil, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, rec))
	require.Eventually(t, func() bool {
		got, _ := store.Get(rec.ID)
		return got.Status == StatusSent
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

type cancellingPublisher struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancellingPublisher) Publish(ctx context.Context, _ Record) error {
	p.calls++
	p.cancel()
	return ctx.Err()
}

func TestDispatcher_CancelledPublishIsNotAnAttempt(t *testing.T) {
	store := NewMemoryStore()
	al := &recordingAlerter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &cancellingPublisher{cancel: cancel}
	d, clk := newTestDispatcher(t, store, pub, al)
	counts := statusCounter{}
	d.WithObserver(counts)

	rec, err := NewRecord("o-1", TypeOrderCompleted, map[string]string{"order_id": "o-1"}, clk.now())
	require.NoError(t, err)
	rec.RetryCount = 2
	require.NoError(t, store.Enqueue(context.Background(), rec))

	_, err = d.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, pub.calls)

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Empty(t, counts)
	assert.Empty(t, al.critical)

	d.publisher = &flakyPublisher{}
	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	got, _ = store.Get(rec.ID)
	assert.Equal(t, StatusSent, got.Status)
}
