// Package room implements the matching-room lifecycle that forms teams:
// rooms fill up (waiting → full) and a member starts them, which creates the
// team and its ledger exactly once.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/ledger"
	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

// Capacity bounds. A capacity-1 room is a solo team.
const (
	MinCapacity = 1
	MaxCapacity = 10
)

// Options configures a Registry.
type Options struct {
	InitialCapital  decimal.Decimal
	DefaultCapacity int
}

// Registry owns rooms and the user → room/team mapping. Room mutations
// serialize on one mutex because the one-room-per-user rule spans rooms.
type Registry struct {
	store store.Store
	opts  Options
	mu    sync.Mutex
	now   func() time.Time
}

// NewRegistry creates a room registry.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.DefaultCapacity == 0 {
		opts.DefaultCapacity = 3
	}
	return &Registry{
		store: st,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// statusFor derives the waiting/full status of a room that has not started.
func statusFor(r *model.Room) model.RoomStatus {
	if len(r.Members) >= r.Capacity {
		return model.RoomFull
	}
	return model.RoomWaiting
}

// ensureFree enforces that a user is in at most one unstarted room and
// never in a room while on a team. Caller holds r.mu.
func (r *Registry) ensureFree(ctx context.Context, userID string) error {
	m, err := r.store.GetMembershipForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if m.TeamID != "" {
		return model.ErrAlreadyOnTeam
	}
	if m.RoomID != "" {
		return model.ErrAlreadyInRoom
	}
	return nil
}

// CreateRoom opens a room and joins the creator to it. A zero capacity
// selects the default.
func (r *Registry) CreateRoom(ctx context.Context, creator model.Identity, name string, capacity int) (*model.Room, error) {
	if capacity == 0 {
		capacity = r.opts.DefaultCapacity
	}
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d not in %d..%d", model.ErrInvalidCapacity, capacity, MinCapacity, MaxCapacity)
	}
	if name == "" {
		who := creator.Nickname
		if who == "" {
			who = creator.UserID
		}
		name = who + "'s room"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureFree(ctx, creator.UserID); err != nil {
		return nil, err
	}

	now := r.now()
	room := &model.Room{
		ID:        uuid.New().String(),
		Name:      name,
		Capacity:  capacity,
		Members:   []model.MemberRef{{UserID: creator.UserID, Nickname: creator.Nickname, JoinedAt: now}},
		CreatedBy: creator.UserID,
		CreatedAt: now,
	}
	room.Status = statusFor(room)

	if err := r.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	metrics.ActiveRooms.Inc()
	slog.Info("room created", "room", room.ID, "creator", creator.UserID, "capacity", capacity)
	return room, nil
}

// JoinRoom adds user to the room, flipping it to full at capacity.
func (r *Registry) JoinRoom(ctx context.Context, roomID string, user model.Identity) (*model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch {
	case room.Status == model.RoomStarted:
		return nil, model.ErrRoomStarted
	case room.HasMember(user.UserID):
		return nil, model.ErrAlreadyJoined
	case len(room.Members) >= room.Capacity:
		return nil, model.ErrRoomFull
	}
	if err := r.ensureFree(ctx, user.UserID); err != nil {
		return nil, err
	}

	room.Members = append(room.Members, model.MemberRef{UserID: user.UserID, Nickname: user.Nickname, JoinedAt: r.now()})
	room.Status = statusFor(room)
	if err := r.store.UpdateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}
	slog.Info("room joined", "room", room.ID, "user", user.UserID, "members", len(room.Members), "status", room.Status)
	return room, nil
}

// LeaveRoom removes user from an unstarted room. A room left empty is
// deleted.
func (r *Registry) LeaveRoom(ctx context.Context, roomID string, user model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status == model.RoomStarted {
		return model.ErrRoomStarted
	}
	if !room.HasMember(user.UserID) {
		return model.ErrNotAMember
	}

	kept := room.Members[:0]
	for _, m := range room.Members {
		if m.UserID != user.UserID {
			kept = append(kept, m)
		}
	}
	room.Members = kept

	if len(room.Members) == 0 {
		if err := r.store.DeleteRoom(ctx, room.ID); err != nil {
			return fmt.Errorf("delete empty room: %w", err)
		}
		metrics.ActiveRooms.Dec()
		slog.Info("empty room removed", "room", room.ID)
		return nil
	}

	room.Status = statusFor(room)
	if err := r.store.UpdateRoom(ctx, room); err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	slog.Info("room left", "room", room.ID, "user", user.UserID, "members", len(room.Members))
	return nil
}

// StartRoom turns the room into a team with its opening ledger. A retry on
// a started room returns the existing team with created=false, so members
// racing to start all observe the same team.
func (r *Registry) StartRoom(ctx context.Context, roomID string, requester model.Identity) (team *model.Team, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if !room.HasMember(requester.UserID) {
		return nil, false, model.ErrNotAMember
	}
	if room.Status == model.RoomStarted {
		team, err := r.store.GetTeam(ctx, room.TeamID)
		if err != nil {
			return nil, false, fmt.Errorf("load started team: %w", err)
		}
		return team, false, nil
	}
	if len(room.Members) < min(2, room.Capacity) {
		return nil, false, model.ErrNotEnoughMembers
	}

	now := r.now()
	team = &model.Team{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		Name:      room.Name,
		Members:   append([]model.MemberRef(nil), room.Members...),
		CreatedAt: now,
	}
	room.Status = model.RoomStarted
	room.TeamID = team.ID

	if err := r.store.CreateTeam(ctx, team, ledger.Open(team.ID, r.opts.InitialCapital, now), room); err != nil {
		return nil, false, fmt.Errorf("create team: %w", err)
	}
	metrics.ActiveRooms.Dec()
	slog.Info("room started", "room", room.ID, "team", team.ID, "members", len(team.Members))
	return team, true, nil
}

// DeleteRoom removes an unstarted room. Admin only.
func (r *Registry) DeleteRoom(ctx context.Context, roomID string, requester model.Identity) error {
	if !requester.Admin {
		return model.ErrNotAuthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status == model.RoomStarted {
		return model.ErrAlreadyStarted
	}
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	metrics.ActiveRooms.Dec()
	slog.Info("room deleted", "room", roomID, "by", requester.UserID)
	return nil
}

// GetRoom returns a room by id.
func (r *Registry) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	return r.store.GetRoom(ctx, roomID)
}

// ListRooms returns rooms in creation order. An empty status lists all.
func (r *Registry) ListRooms(ctx context.Context, status model.RoomStatus) ([]model.Room, error) {
	return r.store.ListRooms(ctx, status)
}

// Membership is the single authoritative answer to "which room or team is
// this user in".
func (r *Registry) Membership(ctx context.Context, userID string) (*model.Membership, error) {
	return r.store.GetMembership(ctx, userID)
}

// GetTeam returns a team by id.
func (r *Registry) GetTeam(ctx context.Context, teamID string) (*model.Team, error) {
	return r.store.GetTeam(ctx, teamID)
}

// TeamOf returns the user's team, or model.ErrTeamNotFound.
func (r *Registry) TeamOf(ctx context.Context, userID string) (*model.Team, error) {
	m, err := r.store.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.TeamID == "" {
		return nil, model.ErrTeamNotFound
	}
	return r.store.GetTeam(ctx, m.TeamID)
}
