package escalate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrIncompleteSummary   = errors.New("context summary requires non-empty what, why, and risk")
	ErrNoPendingEscalation = errors.New("no pending escalation for session")
	ErrAlreadyPending      = errors.New("session already has a pending escalation")
	ErrInvalidDecision     = errors.New("invalid human decision")
	ErrNotificationFailed  = errors.New("escalation notification failed")
)

const defaultSweepInterval = 5 * time.Second

// Resolution is what a suspended session eventually receives: either a
// human decision or a timeout. A timeout is its own outcome, never coerced
// into approve or reject.
type Resolution struct {
	Decision *domain.HumanDecision
	TimedOut bool
}

// Manager suspends sessions pending an external human decision. There is
// no automatic approval path anywhere in this component: every resolution
// is either an explicit decision or an explicit timeout. The wait itself
// holds no locks; the registry mutex only guards map bookkeeping.
type Manager struct {
	notifier domain.Notifier
	timeout  time.Duration
	retry    backoff.Policy
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingEscalation

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

type pendingEscalation struct {
	deadline time.Time
	resolved chan Resolution
}

func NewManager(notifier domain.Notifier, timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		notifier:      notifier,
		timeout:       timeout,
		retry:         backoff.Default(),
		logger:        logger,
		pending:       make(map[uuid.UUID]*pendingEscalation),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

func (m *Manager) SetSweepInterval(d time.Duration) {
	m.sweepInterval = d
}

// ValidateSummary enforces the what/why/risk contract. A notification
// lacking any of the three is invalid and must not be sent.
func ValidateSummary(s domain.ContextSummary) error {
	if s.What == "" || s.Why == "" || s.Risk == "" {
		return ErrIncompleteSummary
	}
	return nil
}

// Suspend validates and sends the notification, then registers the session
// as pending. The returned channel delivers exactly one Resolution: a
// human decision, or a timeout once the configured bound passes.
func (m *Manager) Suspend(ctx context.Context, sessionID uuid.UUID, summary domain.ContextSummary) (<-chan Resolution, error) {
	if err := ValidateSummary(summary); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.pending[sessionID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	p := &pendingEscalation{
		deadline: time.Now().Add(m.timeout),
		resolved: make(chan Resolution, 1),
	}
	m.pending[sessionID] = p
	m.mu.Unlock()

	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.notifier.Notify(ctx, sessionID, summary)
	})
	if err != nil {
		m.remove(sessionID)
		return nil, fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	m.logger.Info("session suspended for human decision",
		zap.String("session_id", sessionID.String()),
		zap.Time("deadline", p.deadline))
	return p.resolved, nil
}

// Resume delivers a human decision to a pending session.
func (m *Manager) Resume(sessionID uuid.UUID, decision domain.HumanDecision) error {
	if !domain.ValidDecisionType(string(decision.Type)) {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision.Type)
	}

	m.mu.Lock()
	p, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoPendingEscalation
	}

	p.resolved <- Resolution{Decision: &decision}
	m.logger.Info("escalation resolved",
		zap.String("session_id", sessionID.String()),
		zap.String("decision", string(decision.Type)))
	return nil
}

// Cancel drops a pending escalation without resolving it, for aborted
// sessions. Nothing is sent on the channel; the caller has already stopped
// waiting.
func (m *Manager) Cancel(sessionID uuid.UUID) {
	if m.remove(sessionID) {
		m.logger.Info("pending escalation cancelled",
			zap.String("session_id", sessionID.String()))
	}
}

// PendingCount reports how many sessions are currently suspended.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Start runs the timeout sweeper in a background goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		m.logger.Info("escalation timeout sweeper started",
			zap.Duration("timeout", m.timeout),
			zap.Duration("interval", m.sweepInterval))

		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				m.logger.Info("escalation timeout sweeper stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the sweeper.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []uuid.UUID
	var channels []chan Resolution
	for id, p := range m.pending {
		if now.After(p.deadline) {
			expired = append(expired, id)
			channels = append(channels, p.resolved)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for i, id := range expired {
		channels[i] <- Resolution{TimedOut: true}
		m.logger.Warn("escalation timed out without decision",
			zap.String("session_id", id.String()))
	}
}

func (m *Manager) remove(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[sessionID]; !ok {
		return false
	}
	delete(m.pending, sessionID)
	return true
}
