package gateway

import (
	"net/http"
)

type runStartRequest struct {
	CommandID string `json:"commandId"`
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.cfg.Runs.Commands()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.cfg.Runs.List()})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runStartRequest
	if err := s.validator.decode(r, schemaRunStart, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Runs.Start(r.Context(), req.CommandID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Runs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	snap, sub, err := s.cfg.Runs.Subscribe(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveLogSSE(w, r, snap, sub)
}

func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	snap, sub, err := s.cfg.Runs.Subscribe(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveLogWS(w, r, snap, sub)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Runs.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
