package escalate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func validSummary() domain.ContextSummary {
	return domain.ContextSummary{
		What: "transfer 40000 USD to vendor-acme",
		Why:  "amount exceeds the automatic review threshold",
		Risk: "one review violation: large transfers need review",
	}
}

func TestSuspendRequiresCompleteSummary(t *testing.T) {
	m := NewManager(NewMockNotifier(), time.Minute, testLogger())

	incomplete := []domain.ContextSummary{
		{Why: "y", Risk: "r"},
		{What: "w", Risk: "r"},
		{What: "w", Why: "y"},
	}
	for _, s := range incomplete {
		if _, err := m.Suspend(context.Background(), uuid.New(), s); !errors.Is(err, ErrIncompleteSummary) {
			t.Fatalf("Suspend(%+v) error = %v, want ErrIncompleteSummary", s, err)
		}
	}
	if m.PendingCount() != 0 {
		t.Fatalf("pending = %d after rejected summaries, want 0", m.PendingCount())
	}
}

func TestSuspendAndResume(t *testing.T) {
	notifier := NewMockNotifier()
	m := NewManager(notifier, time.Minute, testLogger())
	sessionID := uuid.New()

	resolved, err := m.Suspend(context.Background(), sessionID, validSummary())
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	if len(notifier.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.Notifications))
	}
	if m.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", m.PendingCount())
	}

	decision := domain.HumanDecision{Type: domain.DecisionApprove, Comment: "looks fine"}
	if err := m.Resume(sessionID, decision); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}

	select {
	case res := <-resolved:
		if res.TimedOut {
			t.Fatal("resolution marked timed out for an explicit decision")
		}
		if res.Decision == nil || res.Decision.Type != domain.DecisionApprove {
			t.Fatalf("resolution decision = %+v, want approve", res.Decision)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution delivered")
	}

	if m.PendingCount() != 0 {
		t.Fatalf("pending = %d after resume, want 0", m.PendingCount())
	}
}

func TestResumeWithoutPendingFails(t *testing.T) {
	m := NewManager(NewMockNotifier(), time.Minute, testLogger())

	err := m.Resume(uuid.New(), domain.HumanDecision{Type: domain.DecisionApprove})
	if !errors.Is(err, ErrNoPendingEscalation) {
		t.Fatalf("Resume() error = %v, want ErrNoPendingEscalation", err)
	}
}

func TestResumeRejectsInvalidDecision(t *testing.T) {
	m := NewManager(NewMockNotifier(), time.Minute, testLogger())
	sessionID := uuid.New()
	if _, err := m.Suspend(context.Background(), sessionID, validSummary()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}

	err := m.Resume(sessionID, domain.HumanDecision{Type: "shrug"})
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("Resume() error = %v, want ErrInvalidDecision", err)
	}
	if m.PendingCount() != 1 {
		t.Fatal("invalid decision must not consume the pending escalation")
	}
}

func TestDuplicateSuspendFails(t *testing.T) {
	m := NewManager(NewMockNotifier(), time.Minute, testLogger())
	sessionID := uuid.New()

	if _, err := m.Suspend(context.Background(), sessionID, validSummary()); err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}
	if _, err := m.Suspend(context.Background(), sessionID, validSummary()); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("second Suspend() error = %v, want ErrAlreadyPending", err)
	}
}

func TestNotificationFailureRemovesPending(t *testing.T) {
	notifier := NewMockNotifier()
	notifier.Err = errors.New("webhook down")
	m := NewManager(notifier, time.Minute, testLogger())

	_, err := m.Suspend(context.Background(), uuid.New(), validSummary())
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("Suspend() error = %v, want ErrNotificationFailed", err)
	}
	if m.PendingCount() != 0 {
		t.Fatal("failed notification left a pending registration behind")
	}
}

func TestTimeoutDeliversTimedOutResolution(t *testing.T) {
	m := NewManager(NewMockNotifier(), 20*time.Millisecond, testLogger())
	m.SetSweepInterval(10 * time.Millisecond)
	m.Start()
	defer m.Stop()

	resolved, err := m.Suspend(context.Background(), uuid.New(), validSummary())
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}

	select {
	case res := <-resolved:
		if !res.TimedOut {
			t.Fatalf("resolution = %+v, want TimedOut", res)
		}
		if res.Decision != nil {
			t.Fatal("timeout must never carry a synthesized decision")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never delivered")
	}
}

func TestCancelDropsPendingSilently(t *testing.T) {
	m := NewManager(NewMockNotifier(), time.Minute, testLogger())
	sessionID := uuid.New()

	resolved, err := m.Suspend(context.Background(), sessionID, validSummary())
	if err != nil {
		t.Fatalf("Suspend() error: %v", err)
	}

	m.Cancel(sessionID)
	if m.PendingCount() != 0 {
		t.Fatalf("pending = %d after cancel, want 0", m.PendingCount())
	}

	select {
	case res := <-resolved:
		t.Fatalf("cancel delivered a resolution: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}
