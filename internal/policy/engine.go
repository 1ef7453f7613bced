package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder receives one entry per evaluation. Satisfied by audit.Trail.
type Recorder interface {
	Record(e domain.AuditEntry)
}

// Engine evaluates proposed actions against a rule set. Evaluation is
// deterministic: identical (action, rule set, context) triples always
// produce identical results, so nothing non-reproducible (clocks, random
// sources, live rate feeds) participates in the evaluation path.
type Engine struct {
	converter *Converter
	recorder  Recorder
	logger    *zap.Logger
}

func NewEngine(converter *Converter, recorder Recorder, logger *zap.Logger) *Engine {
	return &Engine{
		converter: converter,
		recorder:  recorder,
		logger:    logger,
	}
}

// Evaluate walks the rules in order. A rule fires when its condition
// matches and its constraint is violated. A rule that cannot be evaluated
// fails closed: it becomes a violation that forces at least escalation,
// never a silent skip. Every call is recorded on the audit trail.
func (e *Engine) Evaluate(ctx context.Context, sessionID uuid.UUID, action *domain.ProposedAction, rs *domain.RuleSet, evalCtx domain.EvalContext) domain.PolicyResult {
	var violations []domain.Violation

	if action != nil {
		for _, rule := range rs.Rules {
			fired, err := e.ruleViolated(rule, action, evalCtx)
			if err != nil {
				e.logger.Warn("rule unevaluable, failing closed",
					zap.String("rule", rule.Name),
					zap.Error(err))
				violations = append(violations, domain.Violation{
					Rule:     rule.Name,
					Kind:     domain.ViolationRuleUnevaluable,
					Severity: domain.SeverityReview,
					Message:  fmt.Sprintf("rule %q could not be evaluated: %v", rule.Name, err),
					Field:    rule.Field,
				})
				continue
			}
			if fired {
				violations = append(violations, domain.Violation{
					Rule:     rule.Name,
					Kind:     rule.Kind,
					Severity: rule.Severity,
					Message:  rule.Message,
					Field:    rule.Field,
				})
			}
		}
	}

	result := domain.PolicyResult{
		Verdict:    verdictFor(violations),
		Violations: violations,
	}

	if e.recorder != nil {
		entry := domain.AuditEntry{
			ID:         uuid.New(),
			SessionID:  sessionID,
			RuleSet:    rs.Name,
			Verdict:    result.Verdict,
			Violations: violations,
			Timestamp:  time.Now().UTC(),
		}
		if action != nil {
			entry.ActionType = action.Type
			entry.Amount = action.Amount
			entry.Currency = action.Currency
		}
		e.recorder.Record(entry)
	}

	return result
}

// verdictFor: any blocking severity rejects; any other fired rule forces
// escalation; a clean walk approves.
func verdictFor(violations []domain.Violation) domain.Verdict {
	if len(violations) == 0 {
		return domain.VerdictApproved
	}
	for _, v := range violations {
		if v.Severity.Blocks() {
			return domain.VerdictRejected
		}
	}
	return domain.VerdictRequiresEscalation
}

// ruleViolated reports whether the rule's constraint is violated by the
// action. The constraint reads `field <comparator> threshold|value`; the
// rule fires when that does not hold.
func (e *Engine) ruleViolated(rule domain.Rule, action *domain.ProposedAction, evalCtx domain.EvalContext) (bool, error) {
	val, err := resolveField(rule.Field, action, evalCtx)
	if err != nil {
		return false, err
	}

	switch v := val.(type) {
	case float64:
		threshold := rule.Threshold
		amount := v
		// Monetary comparison: normalize both sides to the base currency.
		if isMonetaryField(rule.Field) {
			amount, err = e.converter.ToBase(v, action.Currency)
			if err != nil {
				return false, err
			}
			threshold, err = e.converter.ToBase(rule.Threshold, rule.Currency)
			if err != nil {
				return false, err
			}
		}
		ok, err := compareNumeric(rule.Comparator, amount, threshold)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case string:
		ok, err := compareString(rule.Comparator, v, rule.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case bool:
		want, err := strconv.ParseBool(rule.Value)
		if err != nil {
			return false, fmt.Errorf("rule value %q is not a boolean", rule.Value)
		}
		ok, err := compareBool(rule.Comparator, v, want)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, fmt.Errorf("unsupported field type %T for %s", val, rule.Field)
	}
}

func isMonetaryField(field string) bool {
	return field == "action.amount"
}

// resolveField walks a dotted path into the evaluation scope. A path that
// does not resolve is an error, which the engine treats as fail-closed.
func resolveField(field string, action *domain.ProposedAction, evalCtx domain.EvalContext) (any, error) {
	switch field {
	case "action.type":
		return action.Type, nil
	case "action.amount":
		return action.Amount, nil
	case "action.currency":
		return action.Currency, nil
	case "action.target":
		return action.Target, nil
	case "action.authorized":
		return action.Authorized, nil
	case "action.risk_level":
		return action.RiskLevel, nil
	case "context.actor":
		return evalCtx.Actor, nil
	case "context.environment":
		return evalCtx.Environment, nil
	}

	if attr, ok := strings.CutPrefix(field, "action.attributes."); ok {
		v, present := action.Attributes[attr]
		if !present {
			return nil, fmt.Errorf("action attribute %q is not set", attr)
		}
		return coerceAttribute(v), nil
	}
	if attr, ok := strings.CutPrefix(field, "context.attributes."); ok {
		v, present := evalCtx.Attributes[attr]
		if !present {
			return nil, fmt.Errorf("context attribute %q is not set", attr)
		}
		return coerceAttribute(v), nil
	}

	return nil, fmt.Errorf("unknown field path %q", field)
}

// coerceAttribute lets numeric and boolean attribute strings participate
// in typed comparisons.
func coerceAttribute(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func compareNumeric(cmp domain.Comparator, a, b float64) (bool, error) {
	switch cmp {
	case domain.CmpLTE:
		return a <= b, nil
	case domain.CmpLT:
		return a < b, nil
	case domain.CmpGTE:
		return a >= b, nil
	case domain.CmpGT:
		return a > b, nil
	case domain.CmpEQ:
		return a == b, nil
	case domain.CmpNEQ:
		return a != b, nil
	default:
		return false, fmt.Errorf("comparator %q not valid for numeric fields", cmp)
	}
}

func compareString(cmp domain.Comparator, a, b string) (bool, error) {
	switch cmp {
	case domain.CmpEQ:
		return a == b, nil
	case domain.CmpNEQ:
		return a != b, nil
	default:
		return false, fmt.Errorf("comparator %q not valid for string fields", cmp)
	}
}

func compareBool(cmp domain.Comparator, a, b bool) (bool, error) {
	switch cmp {
	case domain.CmpEQ:
		return a == b, nil
	case domain.CmpNEQ:
		return a != b, nil
	default:
		return false, fmt.Errorf("comparator %q not valid for boolean fields", cmp)
	}
}
