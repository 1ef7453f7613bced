package handlers

import (
	"net/http"

	"github.com/arbiterlabs/arbiter/internal/policy"
)

type RulesHandler struct {
	provider *policy.RuleSetProvider
}

func NewRulesHandler(provider *policy.RuleSetProvider) *RulesHandler {
	return &RulesHandler{provider: provider}
}

// Get returns the currently active rule set. Rules are evaluated in the
// order shown here.
func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	rs := h.provider.Current()
	if rs == nil {
		writeError(w, http.StatusNotFound, "no rule set loaded")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// Reload re-reads the rule set from disk. On validation failure the
// previous rule set stays active and the error is returned.
func (h *RulesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rs := h.provider.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reloaded",
		"name":    rs.Name,
		"version": rs.Version,
		"rules":   len(rs.Rules),
	})
}
