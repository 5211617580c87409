package gateway

import (
	"net/http"

	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/shared"
)

type enforceRequest struct {
	Operation     string   `json:"operation"`
	Paths         []string `json:"paths"`
	Domain        string   `json:"domain"`
	LoopID        string   `json:"loopId"`
	OverrideToken string   `json:"overrideToken"`
}

// handleEnforce answers 200 for both outcomes; ok=false carries outOfScope.
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var req enforceRequest
	if err := s.validator.decode(r, schemaScopeEnforce, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Operation == "" {
		req.Operation = "check"
	}
	writeJSON(w, http.StatusOK, s.cfg.Guard.Enforce(r.Context(), req.Operation, req.Paths, req.Domain, req.LoopID, req.OverrideToken))
}

type overrideRequest struct {
	Domain     string   `json:"domain"`
	Roots      []string `json:"roots"`
	Reason     string   `json:"reason"`
	TTLMinutes int      `json:"ttlMinutes"`
}

func (s *Server) handleStartOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := s.validator.decode(r, schemaOverrideStart, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.cfg.Guard.StartOverride(r.Context(), scope.StartRequest{
		Domain: req.Domain, Roots: req.Roots, Reason: req.Reason, TTLMinutes: req.TTLMinutes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, domain := q.Get("token"), q.Get("domain")
	if token == "" && domain == "" {
		s.writeError(w, r, shared.Malformed("token or domain query parameter is required", nil))
		return
	}
	st, err := s.cfg.Guard.OverrideStatus(r.Context(), token, domain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopOverride(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("token")
	if key == "" {
		key = q.Get("domain")
	}
	if key == "" {
		s.writeError(w, r, shared.Malformed("token or domain query parameter is required", nil))
		return
	}
	stopped, err := s.cfg.Guard.StopOverride(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": stopped})
}
