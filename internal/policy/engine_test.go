package policy

import (
	"context"
	"testing"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type recordedEntries struct {
	entries []domain.AuditEntry
}

func (r *recordedEntries) Record(e domain.AuditEntry) {
	r.entries = append(r.entries, e)
}

func testConverter() *Converter {
	return NewConverter("USD", map[string]float64{
		"EUR": 1.10,
		"JPY": 0.0068,
	})
}

func budgetRuleSet() *domain.RuleSet {
	return &domain.RuleSet{
		Name:    "test",
		Version: "1",
		Rules: []domain.Rule{
			{
				Name:       "budget",
				Field:      "action.amount",
				Comparator: domain.CmpLTE,
				Threshold:  100000,
				Currency:   "USD",
				Kind:       domain.ViolationBudgetExceeded,
				Severity:   domain.SeverityBlock,
				Message:    "amount over budget",
			},
			{
				Name:       "authorization",
				Field:      "action.authorized",
				Comparator: domain.CmpEQ,
				Value:      "true",
				Kind:       domain.ViolationApprovalMissing,
				Severity:   domain.SeverityBlock,
				Message:    "authorization required",
			},
			{
				Name:       "review-large",
				Field:      "action.amount",
				Comparator: domain.CmpLTE,
				Threshold:  25000,
				Currency:   "USD",
				Kind:       domain.ViolationThresholdExceeded,
				Severity:   domain.SeverityReview,
				Message:    "large transfers need review",
			},
		},
	}
}

func transfer(amount float64, currency string) *domain.ProposedAction {
	return &domain.ProposedAction{
		Type:       "transfer",
		Amount:     amount,
		Currency:   currency,
		Target:     "vendor-1",
		Authorized: true,
	}
}

func TestEvaluateApprovesCleanAction(t *testing.T) {
	rec := &recordedEntries{}
	e := NewEngine(testConverter(), rec, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), transfer(500, "USD"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictApproved {
		t.Fatalf("verdict = %s, want approved (violations: %v)", result.Verdict, result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("violations = %v, want none", result.Violations)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(rec.entries))
	}
}

func TestEvaluateBlockingViolationRejects(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), transfer(150000, "USD"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", result.Verdict)
	}
	if result.Violations[0].Kind != domain.ViolationBudgetExceeded {
		t.Fatalf("violation kind = %s, want budget_exceeded", result.Violations[0].Kind)
	}
}

func TestEvaluateReviewViolationEscalates(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	// Over the review threshold but inside the budget.
	result := e.Evaluate(context.Background(), uuid.New(), transfer(40000, "USD"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation", result.Verdict)
	}
}

func TestEvaluateNormalizesCurrency(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	// 10,000,000 JPY at 0.0068 is 68,000 USD: inside the 100k budget,
	// over the 25k review threshold.
	result := e.Evaluate(context.Background(), uuid.New(), transfer(10000000, "JPY"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation (violations: %v)", result.Verdict, result.Violations)
	}
	for _, v := range result.Violations {
		if v.Kind == domain.ViolationBudgetExceeded {
			t.Fatalf("budget rule fired for 68k USD equivalent: %v", v)
		}
	}

	// 20,000,000 JPY is 136,000 USD: over budget.
	result = e.Evaluate(context.Background(), uuid.New(), transfer(20000000, "JPY"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", result.Verdict)
	}
}

func TestEvaluateUnknownCurrencyFailsClosed(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), transfer(100, "XXX"), budgetRuleSet(), domain.EvalContext{})
	if result.Verdict == domain.VerdictApproved {
		t.Fatal("unevaluable currency must not approve")
	}
	found := false
	for _, v := range result.Violations {
		if v.Kind == domain.ViolationRuleUnevaluable {
			found = true
		}
	}
	if !found {
		t.Fatalf("no rule_unevaluable violation in %v", result.Violations)
	}
}

func TestEvaluateUnknownFieldFailsClosed(t *testing.T) {
	rs := &domain.RuleSet{
		Name: "test",
		Rules: []domain.Rule{
			{
				Name:       "bogus",
				Field:      "action.nonexistent",
				Comparator: domain.CmpEQ,
				Value:      "x",
				Kind:       domain.ViolationUnknown,
				Severity:   domain.SeverityBlock,
			},
		},
	}
	e := NewEngine(testConverter(), nil, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), transfer(1, "USD"), rs, domain.EvalContext{})
	if result.Verdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation", result.Verdict)
	}
	if result.Violations[0].Kind != domain.ViolationRuleUnevaluable {
		t.Fatalf("kind = %s, want rule_unevaluable", result.Violations[0].Kind)
	}
}

func TestEvaluateMissingAuthorization(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	action := transfer(500, "USD")
	action.Authorized = false

	result := e.Evaluate(context.Background(), uuid.New(), action, budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictRejected {
		t.Fatalf("verdict = %s, want rejected", result.Verdict)
	}
	if result.Violations[0].Kind != domain.ViolationApprovalMissing {
		t.Fatalf("kind = %s, want approval_missing", result.Violations[0].Kind)
	}
}

func TestEvaluateContextFields(t *testing.T) {
	rs := &domain.RuleSet{
		Name: "test",
		Rules: []domain.Rule{
			{
				Name:       "no-prod",
				Field:      "context.environment",
				Comparator: domain.CmpNEQ,
				Value:      "production",
				Kind:       domain.ViolationUnknown,
				Severity:   domain.SeverityReview,
				Message:    "production needs review",
			},
		},
	}
	e := NewEngine(testConverter(), nil, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), transfer(1, "USD"), rs, domain.EvalContext{Environment: "production"})
	if result.Verdict != domain.VerdictRequiresEscalation {
		t.Fatalf("verdict = %s, want requires_escalation", result.Verdict)
	}

	result = e.Evaluate(context.Background(), uuid.New(), transfer(1, "USD"), rs, domain.EvalContext{Environment: "staging"})
	if result.Verdict != domain.VerdictApproved {
		t.Fatalf("verdict = %s, want approved", result.Verdict)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())
	action := transfer(40000, "USD")
	rs := budgetRuleSet()
	evalCtx := domain.EvalContext{Actor: "bot", Environment: "staging"}

	first := e.Evaluate(context.Background(), uuid.New(), action, rs, evalCtx)
	for i := 0; i < 10; i++ {
		next := e.Evaluate(context.Background(), uuid.New(), action, rs, evalCtx)
		if next.Verdict != first.Verdict || len(next.Violations) != len(first.Violations) {
			t.Fatalf("evaluation %d differs: %v vs %v", i, next, first)
		}
		for j := range next.Violations {
			if next.Violations[j] != first.Violations[j] {
				t.Fatalf("violation %d differs: %v vs %v", j, next.Violations[j], first.Violations[j])
			}
		}
	}
}

func TestEvaluateNilActionApproves(t *testing.T) {
	e := NewEngine(testConverter(), nil, testLogger())

	result := e.Evaluate(context.Background(), uuid.New(), nil, budgetRuleSet(), domain.EvalContext{})
	if result.Verdict != domain.VerdictApproved {
		t.Fatalf("verdict = %s, want approved", result.Verdict)
	}
}

func TestConverterToBase(t *testing.T) {
	c := testConverter()

	got, err := c.ToBase(100, "EUR")
	if err != nil {
		t.Fatalf("ToBase() error: %v", err)
	}
	if got != 110 {
		t.Fatalf("ToBase(100 EUR) = %f, want 110", got)
	}

	// Base currency and empty currency pass through.
	if got, _ := c.ToBase(42, "USD"); got != 42 {
		t.Fatalf("ToBase(42 USD) = %f, want 42", got)
	}
	if got, _ := c.ToBase(42, ""); got != 42 {
		t.Fatalf("ToBase(42 <empty>) = %f, want 42", got)
	}

	if _, err := c.ToBase(1, "XXX"); err == nil {
		t.Fatal("ToBase with unknown currency should error")
	}
}
