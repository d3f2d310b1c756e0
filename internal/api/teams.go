package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teamfolio/trade-engine/internal/model"
)

// PostMessageRequest is the JSON body for POST /teams/{teamID}/messages.
type PostMessageRequest struct {
	Text        string `json:"text"`
	ClientToken string `json:"client_token"`
}

// GetTeam handles GET /api/v1/teams/{teamID}
func (s *Server) GetTeam(w http.ResponseWriter, r *http.Request) {
	team := s.requireTeam(w, r, chi.URLParam(r, "teamID"))
	if team == nil {
		return
	}
	writeJSON(w, http.StatusOK, team)
}

// GetLedger handles GET /api/v1/teams/{teamID}/ledger
// Holdings are marked to the latest feed prices.
func (s *Server) GetLedger(w http.ResponseWriter, r *http.Request) {
	team := s.requireTeam(w, r, chi.URLParam(r, "teamID"))
	if team == nil {
		return
	}
	view, err := s.Ledger.Snapshot(r.Context(), team.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListMessages handles GET /api/v1/teams/{teamID}/messages?after=&limit=
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	team := s.requireTeam(w, r, chi.URLParam(r, "teamID"))
	if team == nil {
		return
	}
	q := r.URL.Query()
	after, err := intParam(q.Get("after"))
	if err != nil {
		writeError(w, &model.ValidationError{Field: "after", Message: "must be an integer"})
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, &model.ValidationError{Field: "limit", Message: "must be an integer"})
		return
	}

	msgs, err := s.Chat.History(r.Context(), team.ID, int64(after), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage handles POST /api/v1/teams/{teamID}/messages
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.Chat.PostText(r.Context(), chi.URLParam(r, "teamID"), identity(r), req.Text, req.ClientToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// TeamWS handles GET /api/v1/teams/{teamID}/ws
// Upgrades to the team's push channel: chat messages and proposal events.
func (s *Server) TeamWS(w http.ResponseWriter, r *http.Request) {
	team := s.requireTeam(w, r, chi.URLParam(r, "teamID"))
	if team == nil {
		return
	}
	s.Chat.Serve(w, r, team.ID)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
