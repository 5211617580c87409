package gateway

import (
	"net/http"

	"github.com/basket/turngate/internal/session"
)

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req session.StartTurnRequest
	if err := s.validator.decode(r, schemaTurnStart, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Sessions.StartTurn(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListTurns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"turns": s.cfg.Sessions.List()})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	snap, sub, err := s.cfg.Sessions.Subscribe(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveLogSSE(w, r, snap, sub)
}

func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	snap, sub, err := s.cfg.Sessions.Subscribe(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveLogWS(w, r, snap, sub)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Status())
}

// handleSessionStart warms the agent runtime without starting a turn.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.cfg.Sessions.EnsureSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionId": id})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Sessions.StopSession(r.Context())
	if err != nil {
		s.logger.Warn("session stop reported an error", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelledTurns": n})
}
