package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/arbiterlabs/arbiter/internal/reasoning"
	"go.uber.org/zap"
)

// agentResult is what one domain-agent invocation produces: either a
// proposed action for the guardian, or a direct response for deterministic
// cases. Err marks outcomes like "analysis unavailable" that must surface
// as-is instead of being papered over.
type agentResult struct {
	action     *domain.ProposedAction
	response   string
	reasonCode domain.ReasonCode
	err        string
	confidence float64
	note       string
}

// runAgent dispatches to the per-domain agent variant. The switch is
// exhaustive over the closed domain set; Disorder doubles as the safety
// net for anything unexpected.
func (o *Orchestrator) runAgent(ctx context.Context, rec *domain.SessionRecord, evalCtx domain.EvalContext) agentResult {
	switch rec.Domain {
	case domain.DomainClear:
		return o.clearAgent(rec)
	case domain.DomainComplicated:
		return o.complicatedAgent(rec, evalCtx)
	case domain.DomainComplex:
		return o.complexAgent(ctx, rec, evalCtx)
	case domain.DomainChaotic:
		return o.chaoticAgent(rec, evalCtx)
	case domain.DomainDisorder:
		return o.disorderAgent(rec)
	default:
		return o.disorderAgent(rec)
	}
}

// clearAgent answers directly: a clear request has a known procedure and
// needs no proposed action for the guardian to constrain.
func (o *Orchestrator) clearAgent(rec *domain.SessionRecord) agentResult {
	return agentResult{
		response:   fmt.Sprintf("Resolved by standard procedure: %s", rec.InputText),
		confidence: rec.DomainConfidence,
		note:       "clear: answered by known procedure",
	}
}

// complicatedAgent proposes an expert-analysis action built from the
// structured hints the caller supplied with the request.
func (o *Orchestrator) complicatedAgent(rec *domain.SessionRecord, evalCtx domain.EvalContext) agentResult {
	return agentResult{
		action:     actionFromContext("expert_analysis", rec, evalCtx),
		confidence: rec.DomainConfidence,
		note:       "complicated: proposing expert analysis",
	}
}

// complexAgent consults the external reasoning service before proposing an
// intervention. If the estimation cannot run, the session surfaces
// "analysis unavailable" — a fabricated plausible-looking estimate is worse
// than no answer.
func (o *Orchestrator) complexAgent(ctx context.Context, rec *domain.SessionRecord, evalCtx domain.EvalContext) agentResult {
	if o.reasoner == nil {
		return agentResult{
			err:        reasoning.ErrUnavailable.Error(),
			reasonCode: domain.ReasonAnalysisUnavailable,
			note:       "complex: no reasoning service configured",
		}
	}

	req := domain.ReasoningRequest{
		Treatment: evalCtx.Attributes["treatment"],
		Outcome:   evalCtx.Attributes["outcome"],
		Data:      evalCtx.Attributes,
	}

	var result *domain.ReasoningResult
	err := o.withExternalSlot(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.reasoner.Estimate(ctx, req)
		return err
	})
	if err != nil {
		o.logger.Warn("reasoning service unavailable",
			zap.String("session_id", rec.ID.String()),
			zap.Error(err))
		return agentResult{
			err:        reasoning.ErrUnavailable.Error(),
			reasonCode: domain.ReasonAnalysisUnavailable,
			note:       "complex: causal analysis could not be run",
		}
	}

	action := actionFromContext("intervention", rec, evalCtx)
	if action.Attributes == nil {
		action.Attributes = make(map[string]string)
	}
	action.Attributes["effect_estimate"] = strconv.FormatFloat(result.EffectEstimate, 'f', -1, 64)
	action.Attributes["ci_low"] = strconv.FormatFloat(result.ConfidenceInterval[0], 'f', -1, 64)
	action.Attributes["ci_high"] = strconv.FormatFloat(result.ConfidenceInterval[1], 'f', -1, 64)
	action.Attributes["validation_passed"] = strconv.FormatBool(result.ValidationPassed)

	return agentResult{
		action:     action,
		confidence: rec.DomainConfidence,
		note:       fmt.Sprintf("complex: intervention with estimated effect %.4f", result.EffectEstimate),
	}
}

// chaoticAgent proposes an immediate stabilizing action, always flagged
// high risk so policy review is guaranteed to look at it.
func (o *Orchestrator) chaoticAgent(rec *domain.SessionRecord, evalCtx domain.EvalContext) agentResult {
	action := actionFromContext("stabilize", rec, evalCtx)
	action.RiskLevel = "high"
	return agentResult{
		action:     action,
		confidence: rec.DomainConfidence,
		note:       "chaotic: immediate stabilizing action",
	}
}

// disorderAgent asks for clarification. An input the classifier cannot
// place gets a question back, never a confident guess.
func (o *Orchestrator) disorderAgent(rec *domain.SessionRecord) agentResult {
	return agentResult{
		response:   "The request could not be placed in a complexity domain. Please restate it with the decision to make, the options considered, and any amounts involved.",
		confidence: rec.DomainConfidence,
		note:       "disorder: requesting clarification",
	}
}

// actionFromContext builds a proposed action from the structured hints in
// the evaluation context (amount, currency, target, authorized). The
// control plane does not parse free text for these; callers supply them.
func actionFromContext(actionType string, rec *domain.SessionRecord, evalCtx domain.EvalContext) *domain.ProposedAction {
	action := &domain.ProposedAction{
		Type:   actionType,
		Target: rec.InputText,
	}
	if evalCtx.Attributes == nil {
		return action
	}
	if raw, ok := evalCtx.Attributes["amount"]; ok {
		if amount, err := strconv.ParseFloat(raw, 64); err == nil {
			action.Amount = amount
		}
	}
	if c, ok := evalCtx.Attributes["currency"]; ok {
		action.Currency = c
	}
	if t, ok := evalCtx.Attributes["target"]; ok {
		action.Target = t
	}
	if raw, ok := evalCtx.Attributes["authorized"]; ok {
		if authorized, err := strconv.ParseBool(raw); err == nil {
			action.Authorized = authorized
		}
	}
	if r, ok := evalCtx.Attributes["risk_level"]; ok {
		action.RiskLevel = r
	}
	return action
}
