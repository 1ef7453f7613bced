package domain

import (
	"time"

	"github.com/google/uuid"
)

// Domain is the complexity tag assigned to an input: how tractable
// cause-and-effect reasoning is for it.
type Domain string

const (
	DomainClear       Domain = "clear"
	DomainComplicated Domain = "complicated"
	DomainComplex     Domain = "complex"
	DomainChaotic     Domain = "chaotic"
	DomainDisorder    Domain = "disorder"
)

// Domains lists every domain in a fixed order. The classification backend
// contract is a probability distribution over exactly these five.
var Domains = [5]Domain{DomainClear, DomainComplicated, DomainComplex, DomainChaotic, DomainDisorder}

func ValidDomain(d string) bool {
	switch Domain(d) {
	case DomainClear, DomainComplicated, DomainComplex, DomainChaotic, DomainDisorder:
		return true
	}
	return false
}

// SessionState is the orchestrator's workflow state for a session.
type SessionState string

const (
	StateRouter          SessionState = "router"
	StateDomainAgent     SessionState = "domain_agent"
	StateGuardian        SessionState = "guardian"
	StateReflector       SessionState = "reflector"
	StateHumanEscalation SessionState = "human_escalation"
	StateTerminal        SessionState = "terminal"
)

// Verdict is the policy engine's judgment on a proposed action.
type Verdict string

const (
	VerdictApproved           Verdict = "approved"
	VerdictRejected           Verdict = "rejected"
	VerdictRequiresEscalation Verdict = "requires_escalation"
)

// HumanStatus tracks the human-escalation lifecycle of a session.
type HumanStatus string

const (
	HumanIdle           HumanStatus = "idle"
	HumanPending        HumanStatus = "pending"
	HumanPendingTimeout HumanStatus = "pending_timeout"
	HumanResolved       HumanStatus = "resolved"
)

// DecisionType is what a human reviewer can return for an escalated session.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionModify  DecisionType = "modify"
)

func ValidDecisionType(d string) bool {
	switch DecisionType(d) {
	case DecisionApprove, DecisionReject, DecisionModify:
		return true
	}
	return false
}

// ReasonCode distinguishes why a session reached terminal. A rejected
// analysis and an analysis that could not be run are different outcomes
// and must never be conflated.
type ReasonCode string

const (
	ReasonApproved            ReasonCode = "approved"
	ReasonAnalyzedRejected    ReasonCode = "analyzed_rejected"
	ReasonAnalysisUnavailable ReasonCode = "analysis_unavailable"
	ReasonEscalationTimeout   ReasonCode = "escalation_timeout"
	ReasonEscalationFailed    ReasonCode = "escalation_failed"
	ReasonAborted             ReasonCode = "aborted"
)

// HumanDecision is the resolution delivered over the human decision channel.
type HumanDecision struct {
	Type    DecisionType    `json:"type"`
	Comment string          `json:"comment,omitempty"`
	Action  *ProposedAction `json:"action,omitempty"` // replacement action for modify
}

// ReasoningStep is one entry in a session's append-only reasoning chain.
type ReasoningStep struct {
	Node       string    `json:"node"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProposedAction is the structured action a domain agent wants to take.
type ProposedAction struct {
	Type       string            `json:"type"`
	Amount     float64           `json:"amount,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Target     string            `json:"target,omitempty"`
	Authorized bool              `json:"authorized"`
	RiskLevel  string            `json:"risk_level,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy so repair heuristics never mutate the original.
func (a *ProposedAction) Clone() *ProposedAction {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Attributes != nil {
		cp.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// SessionRecord is the single mutable record representing one request as it
// flows through classification, analysis, policy check, and escalation.
// It is mutated exclusively by orchestrator-invoked components in strict
// sequence; there are never two concurrent writers to one record.
type SessionRecord struct {
	ID        uuid.UUID `json:"id"`
	InputText string    `json:"input_text"`

	// EvalContext travels with the record: policy evaluation after a
	// restart must see the same context the session was submitted with.
	EvalContext EvalContext `json:"eval_context"`

	State SessionState `json:"state"`

	Domain           Domain  `json:"domain,omitempty"`
	DomainConfidence float64 `json:"domain_confidence"`
	DomainEntropy    float64 `json:"domain_entropy"`
	DomainRationale  string  `json:"domain_rationale,omitempty"`

	ReasoningChain []ReasoningStep `json:"reasoning_chain"`

	DraftResponse string `json:"draft_response,omitempty"`

	ProposedAction   *ProposedAction `json:"proposed_action,omitempty"`
	PolicyVerdict    Verdict         `json:"policy_verdict,omitempty"`
	PolicyViolations []Violation     `json:"policy_violations,omitempty"`

	ReflectionCount int `json:"reflection_count"`
	MaxReflections  int `json:"max_reflections"`

	HumanStatus   HumanStatus    `json:"human_status"`
	HumanDecision *HumanDecision `json:"human_decision,omitempty"`

	FinalResponse string          `json:"final_response,omitempty"`
	FinalAction   *ProposedAction `json:"final_action,omitempty"`
	Error         string          `json:"error,omitempty"`
	ReasonCode    ReasonCode      `json:"reason_code,omitempty"`

	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendStep records a reasoning step. The chain is append-only; nothing
// ever rewrites or truncates it.
func (s *SessionRecord) AppendStep(node, action string, confidence float64) {
	s.ReasoningChain = append(s.ReasoningChain, ReasoningStep{
		Node:       node,
		Action:     action,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	})
}

// Terminal reports whether the session has reached a final state.
func (s *SessionRecord) Terminal() bool {
	return s.State == StateTerminal
}

// Snapshot returns a deep copy safe to hand to callers while the
// orchestrator keeps mutating the live record.
func (s *SessionRecord) Snapshot() *SessionRecord {
	cp := *s
	cp.ReasoningChain = make([]ReasoningStep, len(s.ReasoningChain))
	copy(cp.ReasoningChain, s.ReasoningChain)
	if s.PolicyViolations != nil {
		cp.PolicyViolations = make([]Violation, len(s.PolicyViolations))
		copy(cp.PolicyViolations, s.PolicyViolations)
	}
	cp.ProposedAction = s.ProposedAction.Clone()
	cp.FinalAction = s.FinalAction.Clone()
	if s.HumanDecision != nil {
		hd := *s.HumanDecision
		hd.Action = s.HumanDecision.Action.Clone()
		cp.HumanDecision = &hd
	}
	if s.EvalContext.Attributes != nil {
		cp.EvalContext.Attributes = make(map[string]string, len(s.EvalContext.Attributes))
		for k, v := range s.EvalContext.Attributes {
			cp.EvalContext.Attributes[k] = v
		}
	}
	if s.Embedding != nil {
		cp.Embedding = make([]float32, len(s.Embedding))
		copy(cp.Embedding, s.Embedding)
	}
	return &cp
}

// NewSession creates a session record in its initial routing state.
func NewSession(input string, maxReflections int) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		ID:             uuid.New(),
		InputText:      input,
		State:          StateRouter,
		ReasoningChain: []ReasoningStep{},
		MaxReflections: maxReflections,
		HumanStatus:    HumanIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
