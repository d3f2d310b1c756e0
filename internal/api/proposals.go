package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/proposal"
)

// CreateProposalRequest is the JSON body for POST /teams/{teamID}/proposals.
// limit_price applies to LIMIT, trigger_price and trigger_direction to
// CONDITIONAL; strategy defaults to MARKET.
type CreateProposalRequest struct {
	Side             model.Side      `json:"side"`
	Code             string          `json:"code"`
	Name             string          `json:"name"`
	Quantity         int64           `json:"quantity"`
	Strategy         model.Strategy  `json:"strategy"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	TriggerPrice     decimal.Decimal `json:"trigger_price"`
	TriggerDirection model.Direction `json:"trigger_direction"`
	Reason           string          `json:"reason"`
	ClientToken      string          `json:"client_token"`
}

// VoteRequest is the JSON body for POST /proposals/{proposalID}/votes.
type VoteRequest struct {
	Choice model.Choice `json:"choice"`
}

// CreateProposal handles POST /api/v1/teams/{teamID}/proposals
func (s *Server) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Proposals.Create(r.Context(), proposal.Request{
		TeamID:           chi.URLParam(r, "teamID"),
		Proposer:         identity(r),
		Side:             req.Side,
		Code:             req.Code,
		Name:             req.Name,
		Quantity:         req.Quantity,
		Strategy:         req.Strategy,
		LimitPrice:       req.LimitPrice,
		TriggerPrice:     req.TriggerPrice,
		TriggerDirection: req.TriggerDirection,
		Reason:           req.Reason,
		ClientToken:      req.ClientToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListProposals handles GET /api/v1/teams/{teamID}/proposals?active=true
func (s *Server) ListProposals(w http.ResponseWriter, r *http.Request) {
	team := s.requireTeam(w, r, chi.URLParam(r, "teamID"))
	if team == nil {
		return
	}
	list := s.Proposals.List
	if r.URL.Query().Get("active") == "true" {
		list = s.Proposals.ListActive
	}
	ps, err := list(r.Context(), team.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []model.Proposal{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetProposal handles GET /api/v1/proposals/{proposalID}
func (s *Server) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Proposals.Get(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.requireTeam(w, r, p.TeamID) == nil {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CastVote handles POST /api/v1/proposals/{proposalID}/votes
// A deciding vote on a MARKET proposal returns it already settled.
func (s *Server) CastVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Proposals.CastVote(r.Context(), chi.URLParam(r, "proposalID"), identity(r), req.Choice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelProposal handles POST /api/v1/proposals/{proposalID}/cancel
func (s *Server) CancelProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Proposals.CancelPending(r.Context(), chi.URLParam(r, "proposalID"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
