package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/arbiterlabs/arbiter/internal/escalate"
	"github.com/arbiterlabs/arbiter/internal/orchestrator"
	"github.com/arbiterlabs/arbiter/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type SessionHandler struct {
	orch *orchestrator.Orchestrator
}

func NewSessionHandler(orch *orchestrator.Orchestrator) *SessionHandler {
	return &SessionHandler{orch: orch}
}

type submitRequest struct {
	Input   string          `json:"input"`
	Context *contextRequest `json:"context,omitempty"`
}

type contextRequest struct {
	Actor       string            `json:"actor,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type actionResponse struct {
	Type       string            `json:"type"`
	Amount     float64           `json:"amount,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Target     string            `json:"target,omitempty"`
	Authorized bool              `json:"authorized"`
	RiskLevel  string            `json:"risk_level,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type stepResponse struct {
	Node       string    `json:"node"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

type violationResponse struct {
	Rule     string `json:"rule"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
	Field    string `json:"field,omitempty"`
}

type sessionResponse struct {
	ID               string              `json:"id"`
	InputText        string              `json:"input_text"`
	State            string              `json:"state"`
	Domain           string              `json:"domain,omitempty"`
	DomainConfidence float64             `json:"domain_confidence"`
	DomainEntropy    float64             `json:"domain_entropy"`
	DomainRationale  string              `json:"domain_rationale,omitempty"`
	ReasoningChain   []stepResponse      `json:"reasoning_chain"`
	ProposedAction   *actionResponse     `json:"proposed_action,omitempty"`
	PolicyVerdict    string              `json:"policy_verdict,omitempty"`
	PolicyViolations []violationResponse `json:"policy_violations,omitempty"`
	ReflectionCount  int                 `json:"reflection_count"`
	MaxReflections   int                 `json:"max_reflections"`
	HumanStatus      string              `json:"human_status"`
	FinalResponse    string              `json:"final_response,omitempty"`
	FinalAction      *actionResponse     `json:"final_action,omitempty"`
	Error            string              `json:"error,omitempty"`
	ReasonCode       string              `json:"reason_code,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func toActionResponse(a *domain.ProposedAction) *actionResponse {
	if a == nil {
		return nil
	}
	return &actionResponse{
		Type:       a.Type,
		Amount:     a.Amount,
		Currency:   a.Currency,
		Target:     a.Target,
		Authorized: a.Authorized,
		RiskLevel:  a.RiskLevel,
		Attributes: a.Attributes,
	}
}

func toSessionResponse(rec *domain.SessionRecord) sessionResponse {
	resp := sessionResponse{
		ID:               rec.ID.String(),
		InputText:        rec.InputText,
		State:            string(rec.State),
		Domain:           string(rec.Domain),
		DomainConfidence: rec.DomainConfidence,
		DomainEntropy:    rec.DomainEntropy,
		DomainRationale:  rec.DomainRationale,
		ReasoningChain:   make([]stepResponse, 0, len(rec.ReasoningChain)),
		ProposedAction:   toActionResponse(rec.ProposedAction),
		PolicyVerdict:    string(rec.PolicyVerdict),
		ReflectionCount:  rec.ReflectionCount,
		MaxReflections:   rec.MaxReflections,
		HumanStatus:      string(rec.HumanStatus),
		FinalResponse:    rec.FinalResponse,
		FinalAction:      toActionResponse(rec.FinalAction),
		Error:            rec.Error,
		ReasonCode:       string(rec.ReasonCode),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	for _, s := range rec.ReasoningChain {
		resp.ReasoningChain = append(resp.ReasoningChain, stepResponse{
			Node:       s.Node,
			Action:     s.Action,
			Confidence: s.Confidence,
			Timestamp:  s.Timestamp,
		})
	}
	for _, v := range rec.PolicyViolations {
		resp.PolicyViolations = append(resp.PolicyViolations, violationResponse{
			Rule:     v.Rule,
			Kind:     string(v.Kind),
			Severity: string(v.Severity),
			Message:  v.Message,
			Field:    v.Field,
		})
	}
	return resp
}

func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var evalCtx domain.EvalContext
	if req.Context != nil {
		evalCtx = domain.EvalContext{
			Actor:       req.Context.Actor,
			Environment: req.Context.Environment,
			Attributes:  req.Context.Attributes,
		}
	}

	id, err := h.orch.Submit(r.Context(), req.Input, evalCtx)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, "input is required")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to submit session")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID: id.String(),
		State:     string(domain.StateRouter),
	})
}

func (h *SessionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rec, err := h.orch.GetState(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

type resumeRequest struct {
	Decision string          `json:"decision"`
	Comment  string          `json:"comment,omitempty"`
	Action   *actionResponse `json:"action,omitempty"`
}

func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !domain.ValidDecisionType(req.Decision) {
		writeError(w, http.StatusBadRequest, "decision must be approve, reject, or modify")
		return
	}

	decision := domain.HumanDecision{
		Type:    domain.DecisionType(req.Decision),
		Comment: req.Comment,
	}
	if req.Action != nil {
		decision.Action = &domain.ProposedAction{
			Type:       req.Action.Type,
			Amount:     req.Action.Amount,
			Currency:   req.Action.Currency,
			Target:     req.Action.Target,
			Authorized: req.Action.Authorized,
			RiskLevel:  req.Action.RiskLevel,
			Attributes: req.Action.Attributes,
		}
	}

	rec, err := h.orch.Resume(r.Context(), id, decision)
	if err != nil {
		switch {
		case errors.Is(err, escalate.ErrNoPendingEscalation):
			writeError(w, http.StatusConflict, "session is not awaiting a decision")
		case errors.Is(err, escalate.ErrInvalidDecision):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to resume session")
		}
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

func (h *SessionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.orch.Abort(id); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to abort session")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}
