package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/proposal"
	"github.com/basket/turngate/internal/shared"
)

// proposalSummary is a list row: no diff and no approval token.
type proposalSummary struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	Files           []string `json:"files"`
	Domain          string   `json:"domain"`
	LoopID          string   `json:"loopId,omitempty"`
	AssistantTarget string   `json:"assistantTarget,omitempty"`
	TurnID          string   `json:"turnId,omitempty"`
	CreatedAt       string   `json:"createdAt"`
	ResolvedBy      string   `json:"resolvedBy,omitempty"`
}

func summarize(p persistence.Proposal) proposalSummary {
	return proposalSummary{
		ID:              p.ID,
		Status:          p.Status,
		Files:           p.Files,
		Domain:          p.Domain,
		LoopID:          p.LoopID,
		AssistantTarget: p.AssistantTarget,
		TurnID:          p.TurnID,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		ResolvedBy:      p.ResolvedBy,
	}
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, shared.Malformed("limit must be a non-negative integer", err))
			return
		}
		limit = n
	}
	list, err := s.cfg.Proposals.List(r.Context(), q.Get("loopId"), q.Get("status"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]proposalSummary, 0, len(list))
	for _, p := range list {
		out = append(out, summarize(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var d proposal.Draft
	if err := s.validator.decode(r, schemaProposalCreate, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.cfg.Proposals.Create(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalFiles(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Proposals.DiffFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	Decision      string `json:"decision"`
	ApprovalToken string `json:"approvalToken"`
}

func (s *Server) handleResolveProposal(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.validator.decode(r, schemaProposalResolve, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.resolve(w, r, proposal.Ref{ID: r.PathValue("id"), ApprovalToken: req.ApprovalToken}, req.Decision)
}

func (s *Server) handleResolveByToken(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.validator.decode(r, schemaProposalResolve, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ApprovalToken == "" {
		s.writeError(w, r, shared.Malformed("approvalToken is required", nil))
		return
	}
	s.resolve(w, r, proposal.Ref{ApprovalToken: req.ApprovalToken}, req.Decision)
}

// resolve writes the structured result with the status code it carries:
// 200 for a decision taken or already taken, 403 for a scope refusal,
// 409 when the diff could not be applied.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, ref proposal.Ref, decision string) {
	res, err := s.cfg.Proposals.Resolve(r.Context(), ref, decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := res.Code
	if code == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGetLoopSettings(w http.ResponseWriter, r *http.Request) {
	ls, err := s.cfg.Proposals.LoopSettings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

type loopSettingsRequest struct {
	TrustMode        string `json:"trustMode"`
	AutoApplyEnabled bool   `json:"autoApplyEnabled"`
}

func (s *Server) handlePutLoopSettings(w http.ResponseWriter, r *http.Request) {
	var req loopSettingsRequest
	if err := s.validator.decode(r, schemaLoopSettings, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ls, err := s.cfg.Proposals.PutLoopSettings(r.Context(), persistence.LoopSettings{
		LoopID: r.PathValue("id"), TrustMode: req.TrustMode, AutoApplyEnabled: req.AutoApplyEnabled,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}
