package handlers

import (
	"net/http"
	"strconv"

	"github.com/arbiterlabs/arbiter/internal/audit"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
)

type AuditHandler struct {
	trail *audit.Trail
	store domain.AuditStore
}

// NewAuditHandler serves the in-memory audit ring, with optional durable
// per-session lookups when a store is configured.
func NewAuditHandler(trail *audit.Trail, store domain.AuditStore) *AuditHandler {
	return &AuditHandler{trail: trail, store: store}
}

type auditEntryResponse struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id"`
	RuleSet    string              `json:"rule_set"`
	Verdict    string              `json:"verdict"`
	Violations []violationResponse `json:"violations,omitempty"`
	ActionType string              `json:"action_type,omitempty"`
	Amount     float64             `json:"amount,omitempty"`
	Currency   string              `json:"currency,omitempty"`
	Timestamp  string              `json:"timestamp"`
}

func toAuditResponse(entries []domain.AuditEntry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := auditEntryResponse{
			ID:         e.ID.String(),
			SessionID:  e.SessionID.String(),
			RuleSet:    e.RuleSet,
			Verdict:    string(e.Verdict),
			ActionType: e.ActionType,
			Amount:     e.Amount,
			Currency:   e.Currency,
			Timestamp:  e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		for _, v := range e.Violations {
			resp.Violations = append(resp.Violations, violationResponse{
				Rule:     v.Rule,
				Kind:     string(v.Kind),
				Severity: string(v.Severity),
				Message:  v.Message,
				Field:    v.Field,
			})
		}
		out = append(out, resp)
	}
	return out
}

// List returns recent audit entries, newest last. With a session_id query
// parameter and a store configured, it returns that session's full trail
// instead of the ring window.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if raw := r.URL.Query().Get("session_id"); raw != "" {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		h.listBySession(w, r, sessionID, limit)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": toAuditResponse(h.trail.Recent(limit)),
	})
}

func (h *AuditHandler) listBySession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID, limit int) {
	var entries []domain.AuditEntry
	if h.store != nil {
		stored, err := h.store.ListBySession(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load audit trail")
			return
		}
		entries = stored
	} else {
		for _, e := range h.trail.Recent(0) {
			if e.SessionID == sessionID {
				entries = append(entries, e)
			}
		}
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditResponse(entries)})
}
