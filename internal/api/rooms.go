package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamfolio/trade-engine/internal/model"
)

// CreateRoomRequest is the JSON body for POST /rooms. A zero capacity
// selects the default.
type CreateRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// StartRoomResponse is returned from POST /rooms/{roomID}/start.
type StartRoomResponse struct {
	Team    *model.Team `json:"team"`
	Created bool        `json:"created"`
}

// CreateRoom handles POST /api/v1/rooms
func (s *Server) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	room, err := s.Rooms.CreateRoom(r.Context(), identity(r), req.Name, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// ListRooms handles GET /api/v1/rooms?status=waiting
func (s *Server) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.Rooms.ListRooms(r.Context(), model.RoomStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []model.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GetRoom handles GET /api/v1/rooms/{roomID}
func (s *Server) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.Rooms.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// JoinRoom handles POST /api/v1/rooms/{roomID}/join
func (s *Server) JoinRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.Rooms.JoinRoom(r.Context(), chi.URLParam(r, "roomID"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// LeaveRoom handles POST /api/v1/rooms/{roomID}/leave
func (s *Server) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.Rooms.LeaveRoom(r.Context(), chi.URLParam(r, "roomID"), identity(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartRoom handles POST /api/v1/rooms/{roomID}/start
// Starting an already started room returns its team with 200.
func (s *Server) StartRoom(w http.ResponseWriter, r *http.Request) {
	team, created, err := s.Rooms.StartRoom(r.Context(), chi.URLParam(r, "roomID"), identity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, StartRoomResponse{Team: team, Created: created})
}

// DeleteRoom handles DELETE /api/v1/rooms/{roomID}
func (s *Server) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.Rooms.DeleteRoom(r.Context(), chi.URLParam(r, "roomID"), identity(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMembership handles GET /api/v1/me/membership
func (s *Server) GetMembership(w http.ResponseWriter, r *http.Request) {
	m, err := s.Rooms.Membership(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
