package gateway

import (
	"net/http"
	"strconv"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/shared"
)

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.writeError(w, r, shared.NotFound("audit log", "store"))
		return
	}
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, r, shared.Malformed("limit must be between 1 and 1000", err))
			return
		}
		limit = n
	}
	decision := q.Get("decision")
	switch decision {
	case "", audit.DecisionAllow, audit.DecisionDeny, audit.DecisionFatal:
	default:
		s.writeError(w, r, shared.Malformed("decision must be allow, deny or fatal", nil))
		return
	}
	rows, err := s.cfg.Store.ListAudit(r.Context(), decision, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []persistence.AuditRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}
