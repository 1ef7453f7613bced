package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arbiterlabs/arbiter/internal/audit"
	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/classify"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/arbiterlabs/arbiter/internal/escalate"
	"github.com/arbiterlabs/arbiter/internal/policy"
	"github.com/arbiterlabs/arbiter/internal/reasoning"
	"github.com/arbiterlabs/arbiter/internal/repair"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// staticRules satisfies RuleSetSource without touching the filesystem.
type staticRules struct {
	rs *domain.RuleSet
}

func (s *staticRules) Current() *domain.RuleSet { return s.rs }

type fixture struct {
	orch       *Orchestrator
	backend    *classify.MockBackend
	notifier   *escalate.MockNotifier
	reasoner   *reasoning.MockClient
	escalation *escalate.Manager
	trail      *audit.Trail
}

func clearDist() map[domain.Domain]float64 {
	return map[domain.Domain]float64{
		domain.DomainClear: 0.96, domain.DomainComplicated: 0.01,
		domain.DomainComplex: 0.01, domain.DomainChaotic: 0.01, domain.DomainDisorder: 0.01,
	}
}

func complicatedDist() map[domain.Domain]float64 {
	return map[domain.Domain]float64{
		domain.DomainClear: 0.06, domain.DomainComplicated: 0.88,
		domain.DomainComplex: 0.03, domain.DomainChaotic: 0.02, domain.DomainDisorder: 0.01,
	}
}

func complexDist() map[domain.Domain]float64 {
	return map[domain.Domain]float64{
		domain.DomainClear: 0.11, domain.DomainComplicated: 0.09,
		domain.DomainComplex: 0.72, domain.DomainChaotic: 0.05, domain.DomainDisorder: 0.03,
	}
}

func newFixture(t *testing.T, rs *domain.RuleSet, cfg Config) *fixture {
	t.Helper()
	logger := testLogger()

	backend := classify.NewMockBackend()
	classifier := classify.New(backend, classify.NewLexicalBackend(), classify.DefaultThresholds(), backoff.None(), logger)

	trail := audit.NewTrail(audit.NewRing(64), nil, nil, logger)
	engine := policy.NewEngine(policy.NewConverter("USD", nil), trail, logger)

	notifier := escalate.NewMockNotifier()
	escalation := escalate.NewManager(notifier, time.Minute, logger)

	reasoner := reasoning.NewMockClient()
	repairer := repair.NewEngine(repair.DefaultConfig(), nil, logger)

	orch := New(cfg, classifier, engine, &staticRules{rs: rs}, repairer, escalation, reasoner, nil, nil, logger)
	return &fixture{
		orch:       orch,
		backend:    backend,
		notifier:   notifier,
		reasoner:   reasoner,
		escalation: escalation,
		trail:      trail,
	}
}

func permissiveRules() *domain.RuleSet {
	return &domain.RuleSet{
		Name:    "permissive",
		Version: "1",
		Rules: []domain.Rule{
			{
				Name:       "budget",
				Field:      "action.amount",
				Comparator: domain.CmpLTE,
				Threshold:  100000,
				Kind:       domain.ViolationBudgetExceeded,
				Severity:   domain.SeverityBlock,
				Message:    "over budget",
			},
		},
	}
}

func reviewRules() *domain.RuleSet {
	return &domain.RuleSet{
		Name:    "review",
		Version: "1",
		Rules: []domain.Rule{
			{
				Name:       "review-all-transfers",
				Field:      "action.amount",
				Comparator: domain.CmpLTE,
				Threshold:  10,
				Kind:       domain.ViolationThresholdExceeded,
				Severity:   domain.SeverityReview,
				Message:    "needs human review",
			},
		},
	}
}

func waitFor(t *testing.T, orch *Orchestrator, id uuid.UUID, cond func(*domain.SessionRecord) bool) *domain.SessionRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := orch.GetState(context.Background(), id)
		if err != nil {
			t.Fatalf("GetState() error: %v", err)
		}
		if cond(rec) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := orch.GetState(context.Background(), id)
	t.Fatalf("condition never met; last state: %+v", rec)
	return nil
}

func terminal(rec *domain.SessionRecord) bool { return rec.State == domain.StateTerminal }
func pending(rec *domain.SessionRecord) bool  { return rec.HumanStatus == domain.HumanPending }

func TestClearRequestApprovedDirectly(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = clearDist()

	id, err := f.orch.Submit(context.Background(), "reset the staging cache", domain.EvalContext{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.Domain != domain.DomainClear {
		t.Fatalf("domain = %s, want clear", rec.Domain)
	}
	if rec.PolicyVerdict != domain.VerdictApproved {
		t.Fatalf("verdict = %s, want approved; every terminal session carries a verdict", rec.PolicyVerdict)
	}
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved", rec.ReasonCode)
	}
	if rec.FinalResponse == "" || rec.FinalAction != nil {
		t.Fatalf("clear path should finish with a response, got response=%q action=%+v", rec.FinalResponse, rec.FinalAction)
	}
	if len(rec.ReasoningChain) == 0 {
		t.Fatal("reasoning chain is empty")
	}
}

func TestProposedActionApproved(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	id, err := f.orch.Submit(context.Background(), "transfer to vendor", domain.EvalContext{
		Attributes: map[string]string{"amount": "500", "currency": "USD", "target": "vendor-1", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved (error=%q)", rec.ReasonCode, rec.Error)
	}
	if rec.FinalAction == nil || rec.FinalAction.Amount != 500 {
		t.Fatalf("final action = %+v, want the 500 USD transfer", rec.FinalAction)
	}
}

func TestRejectedActionIsRepairedThenApproved(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	// 150000 is over the 100000 budget. Two 20% reductions land at
	// 96000, inside it.
	id, err := f.orch.Submit(context.Background(), "large transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "150000", "currency": "USD", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved (error=%q)", rec.ReasonCode, rec.Error)
	}
	if rec.ReflectionCount != 2 {
		t.Fatalf("reflection count = %d, want 2", rec.ReflectionCount)
	}
	if rec.FinalAction == nil || rec.FinalAction.Amount > 100000 {
		t.Fatalf("final action = %+v, want amount within budget", rec.FinalAction)
	}
}

func TestReflectionBudgetBoundForcesEscalation(t *testing.T) {
	// Budget of 10: no bounded sequence of 20% reductions from 100000
	// gets under it, so the reflection budget runs out.
	rs := &domain.RuleSet{
		Name: "strict",
		Rules: []domain.Rule{
			{
				Name:       "tiny-budget",
				Field:      "action.amount",
				Comparator: domain.CmpLTE,
				Threshold:  10,
				Kind:       domain.ViolationBudgetExceeded,
				Severity:   domain.SeverityBlock,
				Message:    "over budget",
			},
		},
	}
	f := newFixture(t, rs, DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	id, err := f.orch.Submit(context.Background(), "transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "100000", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, pending)
	if rec.ReflectionCount != rec.MaxReflections {
		t.Fatalf("reflection count = %d, want the full budget %d", rec.ReflectionCount, rec.MaxReflections)
	}
	if len(f.notifier.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.Notifications))
	}

	// Human rejects; the session terminates as an analyzed rejection.
	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionReject, Comment: "not worth it"}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	rec = waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonAnalyzedRejected {
		t.Fatalf("reason = %s, want analyzed_rejected", rec.ReasonCode)
	}
	if rec.HumanStatus != domain.HumanResolved {
		t.Fatalf("human status = %s, want resolved", rec.HumanStatus)
	}
}

func TestEscalationApprovedByHuman(t *testing.T) {
	f := newFixture(t, reviewRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	id, err := f.orch.Submit(context.Background(), "transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "5000", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, pending)
	if rec.PolicyVerdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation", rec.PolicyVerdict)
	}

	// The briefing carries the mandatory what/why/risk triple.
	summary := f.notifier.Notifications[0].Summary
	if summary.What == "" || summary.Why == "" || summary.Risk == "" {
		t.Fatalf("incomplete escalation summary: %+v", summary)
	}

	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionApprove}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	rec = waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved", rec.ReasonCode)
	}
	if rec.FinalAction == nil {
		t.Fatal("approved escalation lost its action")
	}
}

func TestEscalationModifiedByHuman(t *testing.T) {
	f := newFixture(t, reviewRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	id, err := f.orch.Submit(context.Background(), "transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "5000", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, f.orch, id, pending)

	// The replacement stays under the review threshold, so the second
	// pass approves without another escalation.
	replacement := &domain.ProposedAction{Type: "transfer", Amount: 5, Currency: "USD", Authorized: true}
	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionModify, Action: replacement}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved (error=%q)", rec.ReasonCode, rec.Error)
	}
	if rec.FinalAction == nil || rec.FinalAction.Amount != 5 {
		t.Fatalf("final action = %+v, want the reviewer's replacement", rec.FinalAction)
	}
	// Human modification is not an automatic repair attempt.
	if rec.ReflectionCount != 0 {
		t.Fatalf("reflection count = %d, want 0", rec.ReflectionCount)
	}
}

func TestEscalationTimeoutTerminates(t *testing.T) {
	f := newFixture(t, reviewRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	// Swap in a manager with a very short deadline and a fast sweeper.
	mgr := escalate.NewManager(f.notifier, 20*time.Millisecond, testLogger())
	mgr.SetSweepInterval(10 * time.Millisecond)
	mgr.Start()
	defer mgr.Stop()
	f.orch.escalation = mgr

	id, err := f.orch.Submit(context.Background(), "transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "5000", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonEscalationTimeout {
		t.Fatalf("reason = %s, want escalation_timeout", rec.ReasonCode)
	}
	if rec.HumanStatus != domain.HumanPendingTimeout {
		t.Fatalf("human status = %s, want pending_timeout", rec.HumanStatus)
	}
	// A timeout is its own outcome: no decision is ever synthesized.
	if rec.HumanDecision != nil {
		t.Fatalf("timed-out session carries a decision: %+v", rec.HumanDecision)
	}
}

func TestComplexAnalysisUnavailable(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = complexDist()
	f.reasoner.Err = errors.New("service offline")

	id, err := f.orch.Submit(context.Background(), "should we roll out the new retry policy", domain.EvalContext{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonAnalysisUnavailable {
		t.Fatalf("reason = %s, want analysis_unavailable", rec.ReasonCode)
	}
	if rec.Error == "" {
		t.Fatal("analysis failure must surface an error, not a fabricated estimate")
	}
	if rec.PolicyVerdict == "" {
		t.Fatal("terminal session missing a policy verdict")
	}
}

func TestComplexAnalysisAttachesEstimate(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = complexDist()

	id, err := f.orch.Submit(context.Background(), "roll out gradually", domain.EvalContext{
		Attributes: map[string]string{"treatment": "gradual_rollout", "outcome": "error_rate", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved (error=%q)", rec.ReasonCode, rec.Error)
	}
	if rec.FinalAction == nil || rec.FinalAction.Attributes["effect_estimate"] == "" {
		t.Fatalf("final action = %+v, want attached effect estimate", rec.FinalAction)
	}
	if len(f.reasoner.Calls) != 1 {
		t.Fatalf("reasoner called %d times, want 1", len(f.reasoner.Calls))
	}
}

func TestAbortReleasesPendingEscalation(t *testing.T) {
	f := newFixture(t, reviewRules(), DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()

	id, err := f.orch.Submit(context.Background(), "transfer", domain.EvalContext{
		Attributes: map[string]string{"amount": "5000", "authorized": "true"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, f.orch, id, pending)

	if err := f.orch.Abort(id); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	rec := waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonAborted {
		t.Fatalf("reason = %s, want aborted", rec.ReasonCode)
	}
	if f.escalation.PendingCount() != 0 {
		t.Fatal("abort left an orphaned pending escalation")
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())

	if _, err := f.orch.Submit(context.Background(), "   ", domain.EvalContext{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("Submit() error = %v, want ErrEmptyInput", err)
	}
}

func TestGetStateUnknownSession(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())

	if _, err := f.orch.GetState(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetState() error = %v, want ErrSessionNotFound", err)
	}
}

func TestGuardianRecordsAuditEntries(t *testing.T) {
	f := newFixture(t, permissiveRules(), DefaultConfig())
	f.backend.DistributionResponse = clearDist()

	id, err := f.orch.Submit(context.Background(), "routine request", domain.EvalContext{})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, f.orch, id, terminal)

	entries := f.trail.Recent(0)
	if len(entries) == 0 {
		t.Fatal("no audit entries recorded for the evaluation")
	}
	if entries[len(entries)-1].SessionID != id {
		t.Fatalf("audit entry session = %s, want %s", entries[len(entries)-1].SessionID, id)
	}
}

// memStore satisfies domain.SessionStore for restart recovery tests.
type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*domain.SessionRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uuid.UUID]*domain.SessionRecord)}
}

func (s *memStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Snapshot()
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.Snapshot(), nil
}

func (s *memStore) ListPendingEscalations(ctx context.Context) ([]domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []domain.SessionRecord
	for _, rec := range s.recs {
		if rec.HumanStatus == domain.HumanPending && rec.State != domain.StateTerminal {
			records = append(records, *rec.Snapshot())
		}
	}
	return records, nil
}

func (s *memStore) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]domain.Precedent, error) {
	return nil, nil
}

// environmentRules reviews any action submitted from a production context.
func environmentRules() *domain.RuleSet {
	return &domain.RuleSet{
		Name:    "environment",
		Version: "1",
		Rules: []domain.Rule{
			{
				Name:       "no-production-changes",
				Field:      "context.environment",
				Comparator: domain.CmpNEQ,
				Value:      "production",
				Kind:       domain.ViolationUnknown,
				Severity:   domain.SeverityReview,
				Message:    "production changes need review",
			},
		},
	}
}

func waitForNotifications(t *testing.T, n *escalate.MockNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for n.Count() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n.Count() < want {
		t.Fatalf("notifications = %d, want %d", n.Count(), want)
	}
}

// suspendAndStop drives a session to a pending escalation on its own
// orchestrator instance, persisting it, as if the process then stopped.
func suspendAndStop(t *testing.T, rs *domain.RuleSet, st *memStore, evalCtx domain.EvalContext) uuid.UUID {
	t.Helper()
	f := newFixture(t, rs, DefaultConfig())
	f.backend.DistributionResponse = complicatedDist()
	f.orch.store = st

	id, err := f.orch.Submit(context.Background(), "deploy config change", evalCtx)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, f.orch, id, pending)
	return id
}

func TestRecoverPendingResuspends(t *testing.T) {
	st := newMemStore()
	id := suspendAndStop(t, environmentRules(), st, domain.EvalContext{
		Environment: "production",
		Attributes:  map[string]string{"amount": "5000", "authorized": "true"},
	})

	// A fresh orchestrator over the same store stands in for the restarted
	// process.
	f := newFixture(t, environmentRules(), DefaultConfig())
	f.orch.store = st

	n, err := f.orch.RecoverPending(context.Background())
	if err != nil {
		t.Fatalf("RecoverPending() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d sessions, want 1", n)
	}

	rec := waitFor(t, f.orch, id, pending)
	if rec.EvalContext.Environment != "production" {
		t.Fatalf("recovered context environment = %q, want production", rec.EvalContext.Environment)
	}
	waitForNotifications(t, f.notifier, 1)

	// The recovered escalation is resumable.
	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionApprove}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	rec = waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved", rec.ReasonCode)
	}
}

func TestRecoveredSessionKeepsEvalContext(t *testing.T) {
	st := newMemStore()
	id := suspendAndStop(t, environmentRules(), st, domain.EvalContext{
		Environment: "production",
		Attributes:  map[string]string{"amount": "5000", "authorized": "true"},
	})

	f := newFixture(t, environmentRules(), DefaultConfig())
	f.orch.store = st
	if _, err := f.orch.RecoverPending(context.Background()); err != nil {
		t.Fatalf("RecoverPending() error: %v", err)
	}
	waitFor(t, f.orch, id, pending)
	waitForNotifications(t, f.notifier, 1)

	// A modify decision re-evaluates the replacement action. The production
	// environment travelled with the session, so the context rule fires
	// again and the session re-escalates instead of auto-approving.
	replacement := &domain.ProposedAction{Type: "deploy", Amount: 5, Currency: "USD", Authorized: true}
	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionModify, Action: replacement}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	waitForNotifications(t, f.notifier, 2)

	rec := waitFor(t, f.orch, id, pending)
	if rec.PolicyVerdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation", rec.PolicyVerdict)
	}

	if _, err := f.orch.Resume(context.Background(), id, domain.HumanDecision{Type: domain.DecisionApprove}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	rec = waitFor(t, f.orch, id, terminal)
	if rec.ReasonCode != domain.ReasonApproved {
		t.Fatalf("reason = %s, want approved", rec.ReasonCode)
	}
	if rec.FinalAction == nil || rec.FinalAction.Amount != 5 {
		t.Fatalf("final action = %+v, want the reviewer's replacement", rec.FinalAction)
	}
}
