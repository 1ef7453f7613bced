package repair

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func budgetViolation() domain.Violation {
	return domain.Violation{
		Rule:     "budget",
		Kind:     domain.ViolationBudgetExceeded,
		Severity: domain.SeverityBlock,
		Field:    "action.amount",
	}
}

func transfer(amount float64) *domain.ProposedAction {
	return &domain.ProposedAction{Type: "transfer", Amount: amount, Currency: "USD", Authorized: true}
}

func TestRepairReducesBudgetOverrun(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, testLogger())

	action := transfer(150000)
	outcome := e.Repair(context.Background(), action, []domain.Violation{budgetViolation()}, domain.EvalContext{}, 0, 3)

	if outcome.Escalate {
		t.Fatalf("unexpected escalation: %s", outcome.Explanation)
	}
	if outcome.StrategyUsed != StrategyReduceAmount {
		t.Fatalf("strategy = %s, want reduce_amount", outcome.StrategyUsed)
	}
	if math.Abs(outcome.Action.Amount-120000) > 1e-9 {
		t.Fatalf("repaired amount = %f, want 120000 (20%% reduction)", outcome.Action.Amount)
	}
	if action.Amount != 150000 {
		t.Fatalf("original action mutated to %f", action.Amount)
	}
}

func TestRepairRespectsReflectionBudget(t *testing.T) {
	backend := NewStubBackend()
	e := NewEngine(DefaultConfig(), backend, testLogger())

	outcome := e.Repair(context.Background(), transfer(150000), []domain.Violation{budgetViolation()}, domain.EvalContext{}, 3, 3)

	if !outcome.Escalate {
		t.Fatal("exhausted budget must escalate")
	}
	if outcome.Action != nil {
		t.Fatal("exhausted budget must not produce an action")
	}
	if len(backend.Calls) != 0 {
		t.Fatalf("backend called %d times past the budget, want 0", len(backend.Calls))
	}
}

func TestRepairNeverFabricatesAuthorization(t *testing.T) {
	e := NewEngine(DefaultConfig(), NewStubBackend(), testLogger())

	violations := []domain.Violation{
		budgetViolation(),
		{
			Rule:     "authorization",
			Kind:     domain.ViolationApprovalMissing,
			Severity: domain.SeverityBlock,
			Field:    "action.authorized",
		},
	}
	outcome := e.Repair(context.Background(), transfer(150000), violations, domain.EvalContext{}, 0, 3)

	if !outcome.Escalate {
		t.Fatal("approval_missing must escalate")
	}
	if outcome.StrategyUsed != StrategyHumanReview {
		t.Fatalf("strategy = %s, want human_review", outcome.StrategyUsed)
	}
	if outcome.Action != nil {
		t.Fatal("repair produced an action despite missing authorization")
	}
}

func TestRepairUnknownKindEscalates(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, testLogger())

	violations := []domain.Violation{
		{Rule: "strange", Kind: domain.ViolationUnknown, Severity: domain.SeverityReview},
	}
	outcome := e.Repair(context.Background(), transfer(100), violations, domain.EvalContext{}, 0, 3)

	if !outcome.Escalate {
		t.Fatal("unknown violation kind must escalate, never mutate blind")
	}
}

func TestRepairReducesAttributeField(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, testLogger())

	action := transfer(100)
	action.Attributes = map[string]string{"cpu_limit": "200"}
	violations := []domain.Violation{
		{
			Rule:     "cpu",
			Kind:     domain.ViolationThresholdExceeded,
			Severity: domain.SeverityReview,
			Field:    "action.attributes.cpu_limit",
		},
	}
	outcome := e.Repair(context.Background(), action, violations, domain.EvalContext{}, 0, 3)

	if outcome.Escalate {
		t.Fatalf("unexpected escalation: %s", outcome.Explanation)
	}
	if outcome.StrategyUsed != StrategyReduceField {
		t.Fatalf("strategy = %s, want reduce_field", outcome.StrategyUsed)
	}
	if got := outcome.Action.Attributes["cpu_limit"]; got != "180" {
		t.Fatalf("cpu_limit = %s, want 180 (10%% reduction)", got)
	}
}

func TestRepairDelegatesWhenNoHeuristicApplies(t *testing.T) {
	backend := NewStubBackend()
	e := NewEngine(DefaultConfig(), backend, testLogger())

	// Budget violation on a field the heuristics cannot touch.
	violations := []domain.Violation{
		{
			Rule:     "budget",
			Kind:     domain.ViolationBudgetExceeded,
			Severity: domain.SeverityBlock,
			Field:    "action.target",
		},
	}
	outcome := e.Repair(context.Background(), transfer(100), violations, domain.EvalContext{}, 0, 3)

	if outcome.StrategyUsed != StrategyExternal {
		t.Fatalf("strategy = %s, want external", outcome.StrategyUsed)
	}
	if len(backend.Calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(backend.Calls))
	}
	if outcome.Action == nil || outcome.Action.Amount != 50 {
		t.Fatalf("stub default should halve the amount, got %+v", outcome.Action)
	}
}

func TestRepairEscalatesWhenBackendFails(t *testing.T) {
	backend := NewStubBackend()
	backend.Err = errors.New("model offline")
	e := NewEngine(DefaultConfig(), backend, testLogger())

	violations := []domain.Violation{
		{Rule: "budget", Kind: domain.ViolationBudgetExceeded, Severity: domain.SeverityBlock, Field: "action.target"},
	}
	outcome := e.Repair(context.Background(), transfer(100), violations, domain.EvalContext{}, 0, 3)

	if !outcome.Escalate {
		t.Fatal("failed delegation must escalate")
	}
}

func TestRepairReportsEachStrategyUsed(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, testLogger())

	action := transfer(150000)
	action.Attributes = map[string]string{"count": "200"}
	violations := []domain.Violation{
		budgetViolation(),
		{
			Rule:     "count-cap",
			Kind:     domain.ViolationThresholdExceeded,
			Severity: domain.SeverityBlock,
			Field:    "action.attributes.count",
		},
	}

	outcome := e.Repair(context.Background(), action, violations, domain.EvalContext{}, 0, 3)

	if outcome.Escalate {
		t.Fatalf("unexpected escalation: %s", outcome.Explanation)
	}
	// Both heuristics ran; the outcome must report both, not just the last.
	if want := StrategyReduceAmount + "+" + StrategyReduceField; outcome.StrategyUsed != want {
		t.Fatalf("strategy = %q, want %q", outcome.StrategyUsed, want)
	}
	if len(outcome.ViolationsAddressed) != 2 {
		t.Fatalf("addressed = %v, want both rules", outcome.ViolationsAddressed)
	}
	if outcome.Action.Amount != 120000 {
		t.Fatalf("amount = %v, want 120000", outcome.Action.Amount)
	}
	if outcome.Action.Attributes["count"] != "180" {
		t.Fatalf("count = %s, want 180", outcome.Action.Attributes["count"])
	}
}
