package repair

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"go.uber.org/zap"
)

var ErrBudgetExhausted = errors.New("reflection budget exhausted")

// Strategy names reported on every repair outcome.
const (
	StrategyReduceAmount = "reduce_amount"
	StrategyReduceField  = "reduce_field"
	StrategyExternal     = "external"
	StrategyHumanReview  = "human_review"
	StrategyEscalate     = "escalate"
)

// Self-reported confidence of each heuristic. Scaling a monetary amount
// toward a known limit is a better-understood correction than scaling an
// arbitrary field.
const (
	amountHeuristicConfidence = 0.85
	fieldHeuristicConfidence  = 0.65
)

// Config tunes the correction heuristics.
type Config struct {
	// BudgetReduction is the fraction removed from a monetary amount that
	// exceeded a budget rule.
	BudgetReduction float64
	// ThresholdReduction is the smaller fraction removed from non-monetary
	// numeric fields.
	ThresholdReduction float64
	// MinHeuristicConfidence is the floor below which the engine delegates
	// to the external repair capability instead of applying its own guess.
	MinHeuristicConfidence float64
}

func DefaultConfig() Config {
	return Config{
		BudgetReduction:        0.20,
		ThresholdReduction:     0.10,
		MinHeuristicConfidence: 0.60,
	}
}

// Engine attempts bounded automatic correction of policy-rejected actions.
// It only ever applies mutations it has a matching heuristic for; an
// unrecognized violation kind escalates rather than being "fixed" blind,
// and repair can never fabricate a missing authorization.
type Engine struct {
	cfg     Config
	backend domain.RepairBackend
	logger  *zap.Logger
}

func NewEngine(cfg Config, backend domain.RepairBackend, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, backend: backend, logger: logger}
}

// Repair attempts one correction pass. The reflection bound is checked
// first: at the limit no repair is attempted regardless of match quality.
// The caller owns incrementing the reflection counter.
func (e *Engine) Repair(ctx context.Context, action *domain.ProposedAction, violations []domain.Violation, evalCtx domain.EvalContext, reflectionCount, maxReflections int) domain.RepairOutcome {
	remaining := violationNames(violations)

	if reflectionCount >= maxReflections {
		return domain.RepairOutcome{
			StrategyUsed:        StrategyEscalate,
			ViolationsRemaining: remaining,
			Escalate:            true,
			Explanation:         ErrBudgetExhausted.Error(),
		}
	}
	if action == nil || len(violations) == 0 {
		return domain.RepairOutcome{
			StrategyUsed:        StrategyEscalate,
			ViolationsRemaining: remaining,
			Escalate:            true,
			Explanation:         "nothing to repair",
		}
	}

	// Violations repair cannot address by mutation take precedence over
	// ones it can: a missing authorization next to a budget overrun still
	// needs a human, and shrinking the amount first would only mask that.
	for _, v := range violations {
		switch v.Kind {
		case domain.ViolationApprovalMissing:
			return domain.RepairOutcome{
				StrategyUsed:        StrategyHumanReview,
				Confidence:          1,
				ViolationsRemaining: remaining,
				Escalate:            true,
				Explanation:         fmt.Sprintf("rule %q requires authorization; repair cannot fabricate it", v.Rule),
			}
		case domain.ViolationBudgetExceeded, domain.ViolationThresholdExceeded:
			// handled below
		default:
			return domain.RepairOutcome{
				StrategyUsed:        StrategyEscalate,
				ViolationsRemaining: remaining,
				Escalate:            true,
				Explanation:         fmt.Sprintf("no repair strategy for violation kind %q (rule %q)", v.Kind, v.Rule),
			}
		}
	}

	return e.applyReductions(ctx, action, violations, evalCtx)
}

func (e *Engine) applyReductions(ctx context.Context, action *domain.ProposedAction, violations []domain.Violation, evalCtx domain.EvalContext) domain.RepairOutcome {
	repaired := action.Clone()
	var addressed, remaining, strategies []string
	confidence := 1.0

	for _, v := range violations {
		var fraction float64
		var strategy string
		switch v.Kind {
		case domain.ViolationBudgetExceeded:
			fraction = e.cfg.BudgetReduction
			strategy = StrategyReduceAmount
			if confidence > amountHeuristicConfidence {
				confidence = amountHeuristicConfidence
			}
		case domain.ViolationThresholdExceeded:
			fraction = e.cfg.ThresholdReduction
			strategy = StrategyReduceField
			if confidence > fieldHeuristicConfidence {
				confidence = fieldHeuristicConfidence
			}
		}

		if reduceField(repaired, v.Field, fraction) {
			addressed = append(addressed, v.Rule)
			strategies = appendUnique(strategies, strategy)
		} else {
			remaining = append(remaining, v.Rule)
		}
	}

	if len(addressed) == 0 || confidence < e.cfg.MinHeuristicConfidence {
		return e.delegate(ctx, action, violations, evalCtx)
	}

	// Each applied strategy is reported, in violation order.
	used := strings.Join(strategies, "+")

	e.logger.Debug("heuristic repair applied",
		zap.String("strategy", used),
		zap.Float64("confidence", confidence),
		zap.Strings("addressed", addressed))

	return domain.RepairOutcome{
		Action:              repaired,
		StrategyUsed:        used,
		Confidence:          confidence,
		ViolationsAddressed: addressed,
		ViolationsRemaining: remaining,
		Explanation:         fmt.Sprintf("reduced %d offending field(s) for re-evaluation", len(addressed)),
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// delegate hands the violation to the external repair capability. If that
// is missing or fails, the outcome is escalation — never a blind mutation.
func (e *Engine) delegate(ctx context.Context, action *domain.ProposedAction, violations []domain.Violation, evalCtx domain.EvalContext) domain.RepairOutcome {
	remaining := violationNames(violations)

	if e.backend == nil {
		return domain.RepairOutcome{
			StrategyUsed:        StrategyEscalate,
			ViolationsRemaining: remaining,
			Escalate:            true,
			Explanation:         "no repair capability configured for low-confidence correction",
		}
	}

	ext, err := e.backend.Repair(ctx, action, violations, evalCtx)
	if err != nil || ext == nil || ext.Action == nil {
		e.logger.Warn("external repair capability failed", zap.Error(err))
		return domain.RepairOutcome{
			StrategyUsed:        StrategyEscalate,
			ViolationsRemaining: remaining,
			Escalate:            true,
			Explanation:         "external repair capability unavailable",
		}
	}

	return domain.RepairOutcome{
		Action:              ext.Action,
		StrategyUsed:        StrategyExternal,
		Confidence:          ext.Confidence,
		ViolationsAddressed: remaining,
		Explanation:         ext.Explanation,
	}
}

// reduceField scales the named numeric field down by fraction. Returns
// false when the field is not numeric or not present, leaving the action
// untouched for that violation.
func reduceField(action *domain.ProposedAction, field string, fraction float64) bool {
	if fraction <= 0 || fraction >= 1 {
		return false
	}
	switch {
	case field == "action.amount":
		if action.Amount <= 0 {
			return false
		}
		action.Amount *= 1 - fraction
		return true
	case strings.HasPrefix(field, "action.attributes."):
		attr := strings.TrimPrefix(field, "action.attributes.")
		raw, ok := action.Attributes[attr]
		if !ok {
			return false
		}
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return false
		}
		action.Attributes[attr] = strconv.FormatFloat(val*(1-fraction), 'f', -1, 64)
		return true
	}
	return false
}

func violationNames(violations []domain.Violation) []string {
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		names = append(names, v.Rule)
	}
	return names
}
