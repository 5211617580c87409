package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/basket/turngate/internal/shared"
)

type errorBody struct {
	Error      string   `json:"error"`
	Kind       string   `json:"kind,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	OutOfScope []string `json:"outOfScope,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind shared.Kind) int {
	switch kind {
	case shared.KindOutOfScope, shared.KindBlocked:
		return http.StatusForbidden
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindTransport:
		return http.StatusBadGateway
	case shared.KindMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Taxonomy errors keep their details; anything
// else is logged and reported as an internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *shared.Error
	if !errors.As(err, &se) {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	body := errorBody{Error: se.Error(), Kind: string(se.Kind), Reason: se.Reason, OutOfScope: se.Paths}
	if se.Kind == shared.KindBlocked {
		// Keep the field name the run API promises.
		writeJSON(w, StatusFor(se.Kind), struct {
			errorBody
			BlockedBy string `json:"blockedBy"`
		}{body, se.Reason})
		return
	}
	writeJSON(w, StatusFor(se.Kind), body)
}
