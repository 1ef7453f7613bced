package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Classification is the routing signal produced for an input.
// Confidence and Entropy are always within [0,1].
type Classification struct {
	Domain     Domain  `json:"domain"`
	Confidence float64 `json:"confidence"`
	Entropy    float64 `json:"entropy"`
	Rationale  string  `json:"rationale"`
}

// ClassificationBackend produces a probability distribution over the five
// domains for an input. The classifier derives confidence and entropy from
// this distribution; backends never pick the domain themselves.
type ClassificationBackend interface {
	Distribution(ctx context.Context, text string) (map[Domain]float64, error)
}

// EvalContext is the environment a policy evaluation runs in. It is part of
// the determinism contract: identical (action, rule set, context) triples
// must evaluate identically.
type EvalContext struct {
	Actor       string            `json:"actor,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// PolicyResult is the outcome of one rule-set evaluation.
type PolicyResult struct {
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations"`
}

// ExternalRepair is what the external repair capability returns. The
// capability itself is a collaborator behind this narrow interface; the
// core must work against a deterministic stub of it.
type ExternalRepair struct {
	Action      *ProposedAction `json:"repaired_action"`
	Explanation string          `json:"explanation"`
	Confidence  float64         `json:"confidence"`
}

// RepairBackend is the external repair capability: violations and context
// in, a repaired action with explanation and confidence out.
type RepairBackend interface {
	Repair(ctx context.Context, action *ProposedAction, violations []Violation, evalCtx EvalContext) (*ExternalRepair, error)
}

// RepairOutcome reports what a repair attempt did. Every attempt reports
// the strategy used and which violations it addressed, whether or not it
// produced a mutated action.
type RepairOutcome struct {
	Action              *ProposedAction `json:"action,omitempty"`
	StrategyUsed        string          `json:"strategy_used"`
	Confidence          float64         `json:"confidence"`
	ViolationsAddressed []string        `json:"violations_addressed"`
	ViolationsRemaining []string        `json:"violations_remaining"`
	Escalate            bool            `json:"escalate"`
	Explanation         string          `json:"explanation,omitempty"`
}

// ReasoningRequest describes a causal analysis delegated to the external
// reasoning service.
type ReasoningRequest struct {
	Treatment  string            `json:"treatment"`
	Outcome    string            `json:"outcome"`
	Covariates []string          `json:"covariates,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// ReasoningResult is the estimate the reasoning service actually computed.
// There is no fallback value: if the service cannot run the estimation the
// client returns an error and the session surfaces "analysis unavailable".
type ReasoningResult struct {
	EffectEstimate     float64           `json:"effect_estimate"`
	ConfidenceInterval [2]float64        `json:"confidence_interval"`
	ValidationPassed   bool              `json:"validation_passed"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// ReasoningClient is the consumed interface to the external causal/Bayesian
// analysis service.
type ReasoningClient interface {
	Estimate(ctx context.Context, req ReasoningRequest) (*ReasoningResult, error)
}

// AuditEntry is one recorded policy evaluation.
type AuditEntry struct {
	ID         uuid.UUID   `json:"id"`
	SessionID  uuid.UUID   `json:"session_id"`
	RuleSet    string      `json:"rule_set"`
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations,omitempty"`
	ActionType string      `json:"action_type,omitempty"`
	Amount     float64     `json:"amount,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// AuditSink is the external append-only event sink. Appends are
// fire-and-forget from the session's point of view: sink failure degrades
// to local buffering and is never fatal to the session.
type AuditSink interface {
	Append(ctx context.Context, e AuditEntry) error
}

// Precedent is a prior session retrieved by input similarity, attached to
// escalation summaries to give the reviewer comparable past decisions.
type Precedent struct {
	SessionID  uuid.UUID  `json:"session_id"`
	InputText  string     `json:"input_text"`
	Verdict    Verdict    `json:"verdict,omitempty"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
	Score      float32    `json:"score"`
}

// ContextSummary is the what/why/risk briefing sent with every escalation.
// All three narrative fields must be non-empty or the notification is
// invalid and must not be sent.
type ContextSummary struct {
	What       string      `json:"what"`
	Why        string      `json:"why"`
	Risk       string      `json:"risk"`
	Precedents []Precedent `json:"precedents,omitempty"`
}

// Notifier is the outbound half of the human decision channel.
type Notifier interface {
	Notify(ctx context.Context, sessionID uuid.UUID, summary ContextSummary) error
}

// EmbeddingClient produces input embeddings for precedent recall.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SessionStore persists session snapshots. A session pending human
// escalation must be reconstructable after a process restart.
type SessionStore interface {
	Save(ctx context.Context, s *SessionRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*SessionRecord, error)
	ListPendingEscalations(ctx context.Context) ([]SessionRecord, error)
	FindSimilar(ctx context.Context, embedding []float32, limit int) ([]Precedent, error)
}

// AuditStore persists audit entries alongside session snapshots.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]AuditEntry, error)
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
}
