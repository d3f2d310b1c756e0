// Package api exposes the trade engine over HTTP and WebSocket. Handlers
// decode the request, take the caller's identity from the auth middleware,
// call one core operation and encode its result.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/auth"
	"github.com/teamfolio/trade-engine/internal/chat"
	"github.com/teamfolio/trade-engine/internal/ledger"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/pricefeed"
	"github.com/teamfolio/trade-engine/internal/proposal"
	"github.com/teamfolio/trade-engine/internal/room"
)

const requestTimeout = 30 * time.Second

// Quoter looks up a reference price for an instrument without a tick.
type Quoter interface {
	Quote(ctx context.Context, code string) (decimal.Decimal, error)
}

// Deps are the services the API calls into. Quotes may be nil.
type Deps struct {
	Rooms     *room.Registry
	Ledger    *ledger.Service
	Proposals *proposal.Engine
	Chat      *chat.Service
	Feed      *pricefeed.Feed
	PriceHub  *pricefeed.Hub
	Quotes    Quoter
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	auth *auth.Authenticator
}

// NewServer creates the API server.
func NewServer(deps Deps, a *auth.Authenticator) *Server {
	return &Server{Deps: deps, auth: a}
}

// Routes mounts the authenticated API on r. Plain requests are bounded by
// requestTimeout; WebSocket upgrades are not.
func (s *Server) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/teams/{teamID}/ws", s.TeamWS)
		r.Get("/ws/prices", s.PricesWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/me/membership", s.GetMembership)

			r.Get("/rooms", s.ListRooms)
			r.Post("/rooms", s.CreateRoom)
			r.Get("/rooms/{roomID}", s.GetRoom)
			r.Delete("/rooms/{roomID}", s.DeleteRoom)
			r.Post("/rooms/{roomID}/join", s.JoinRoom)
			r.Post("/rooms/{roomID}/leave", s.LeaveRoom)
			r.Post("/rooms/{roomID}/start", s.StartRoom)

			r.Get("/teams/{teamID}", s.GetTeam)
			r.Get("/teams/{teamID}/ledger", s.GetLedger)
			r.Get("/teams/{teamID}/proposals", s.ListProposals)
			r.Post("/teams/{teamID}/proposals", s.CreateProposal)
			r.Get("/teams/{teamID}/messages", s.ListMessages)
			r.Post("/teams/{teamID}/messages", s.PostMessage)

			r.Get("/proposals/{proposalID}", s.GetProposal)
			r.Post("/proposals/{proposalID}/votes", s.CastVote)
			r.Post("/proposals/{proposalID}/cancel", s.CancelProposal)

			r.Get("/prices/{code}", s.GetPrice)
		})
	})
}

// identity returns the caller attached by the auth middleware.
func identity(r *http.Request) model.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// requireTeam loads the team and checks the caller belongs to it. It writes
// the error response and returns nil on failure.
func (s *Server) requireTeam(w http.ResponseWriter, r *http.Request, teamID string) *model.Team {
	team, err := s.Rooms.GetTeam(r.Context(), teamID)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if !team.HasMember(identity(r).UserID) {
		writeError(w, model.ErrNotTeamMember)
		return nil
	}
	return team
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &model.ValidationError{Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// writeError maps a domain error to its HTTP status. Anything that is not a
// domain error is logged and reported as a 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Message: ve.Error(), Field: ve.Field})
		return
	}
	var de *model.Error
	if !errors.As(err, &de) {
		slog.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
		return
	}
	writeJSON(w, statusFor(de.Kind), errorBody{Error: de.Code, Message: err.Error()})
}

func statusFor(k model.Kind) int {
	switch k {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindConflict:
		return http.StatusConflict
	case model.KindInsufficient:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
