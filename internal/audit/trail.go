package audit

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueSize     = 256
	defaultRetryInterval = 30 * time.Second
	forwardTimeout       = 10 * time.Second
)

// Trail is the audit pipeline: every recorded entry lands in the local
// ring buffer immediately, then a background worker persists it and
// forwards it to the external sink. Record never blocks a session and sink
// failure is never fatal — undelivered entries wait in a bounded local
// buffer and are retried on an interval.
type Trail struct {
	ring   *Ring
	store  domain.AuditStore
	sink   domain.AuditSink
	retry  backoff.Policy
	logger *zap.Logger

	queue         chan domain.AuditEntry
	pending       []domain.AuditEntry
	pendingLimit  int
	retryInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTrail builds a trail over the given ring. Store and sink may each be
// nil; the ring alone still satisfies audit retrieval.
func NewTrail(ring *Ring, store domain.AuditStore, sink domain.AuditSink, logger *zap.Logger) *Trail {
	return &Trail{
		ring:          ring,
		store:         store,
		sink:          sink,
		retry:         backoff.Default(),
		logger:        logger,
		queue:         make(chan domain.AuditEntry, defaultQueueSize),
		pendingLimit:  defaultQueueSize,
		retryInterval: defaultRetryInterval,
		stopCh:        make(chan struct{}),
	}
}

func (t *Trail) SetRetryInterval(d time.Duration) {
	t.retryInterval = d
}

// Record appends to the ring and enqueues delivery. If the queue is full
// the entry is still in the ring; delivery is dropped with a log line
// rather than blocking the calling session.
func (t *Trail) Record(e domain.AuditEntry) {
	t.ring.Append(e)
	select {
	case t.queue <- e:
	default:
		t.logger.Warn("audit delivery queue full, entry retained in ring only",
			zap.String("session_id", e.SessionID.String()))
	}
}

// Recent returns up to limit entries from the ring, newest last.
func (t *Trail) Recent(limit int) []domain.AuditEntry {
	entries := t.ring.Snapshot()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Start runs the delivery worker in a background goroutine.
func (t *Trail) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.retryInterval)
		defer ticker.Stop()

		t.logger.Info("audit trail started")

		for {
			select {
			case e := <-t.queue:
				t.deliver(e)
			case <-ticker.C:
				t.flushPending()
			case <-t.stopCh:
				t.drain()
				t.logger.Info("audit trail stopped")
				return
			}
		}
	}()
}

// Stop drains queued entries and stops the worker.
func (t *Trail) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Trail) deliver(e domain.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	if t.store != nil {
		if err := t.store.Append(ctx, &e); err != nil {
			t.logger.Warn("audit store append failed", zap.Error(err))
		}
	}

	if t.sink == nil {
		return
	}
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		return t.sink.Append(ctx, e)
	})
	if err != nil {
		t.buffer(e)
		t.logger.Warn("audit sink unavailable, entry buffered locally",
			zap.String("session_id", e.SessionID.String()),
			zap.Error(err))
	}
}

// buffer holds an undelivered entry, evicting the oldest when full. The
// buffer is bounded for the same reason the ring is: audit degradation must
// never become unbounded memory growth.
func (t *Trail) buffer(e domain.AuditEntry) {
	if len(t.pending) >= t.pendingLimit {
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, e)
}

func (t *Trail) flushPending() {
	if t.sink == nil || len(t.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	delivered := 0
	for _, e := range t.pending {
		if err := t.sink.Append(ctx, e); err != nil {
			break
		}
		delivered++
	}
	if delivered > 0 {
		t.pending = t.pending[delivered:]
		t.logger.Info("flushed buffered audit entries", zap.Int("count", delivered))
	}
}

func (t *Trail) drain() {
	for {
		select {
		case e := <-t.queue:
			t.deliver(e)
		default:
			t.flushPending()
			return
		}
	}
}
