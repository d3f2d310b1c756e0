package store

import (
	"context"
	"sort"
	"sync"

	"github.com/teamfolio/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	rooms     map[string]*model.Room
	roomOrder []string
	teams     map[string]*model.Team
	userTeams map[string]string // userID → teamID
	ledgers   map[string]*model.Ledger
	proposals map[string]*model.Proposal
	messages  map[string][]model.Message // teamID → log, seq order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*model.Room),
		teams:     make(map[string]*model.Team),
		userTeams: make(map[string]string),
		ledgers:   make(map[string]*model.Ledger),
		proposals: make(map[string]*model.Proposal),
		messages:  make(map[string][]model.Message),
	}
}

// --- Rooms ---

func (s *MemoryStore) CreateRoom(_ context.Context, room *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[room.ID] = room.Clone()
	s.roomOrder = append(s.roomOrder, room.ID)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRooms(_ context.Context, status model.RoomStatus) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]model.Room, 0, len(s.roomOrder))
	for _, id := range s.roomOrder {
		r, ok := s.rooms[id]
		if !ok {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		rooms = append(rooms, *r.Clone())
	}
	return rooms, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, room *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; !ok {
		return model.ErrRoomNotFound
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return model.ErrRoomNotFound
	}
	delete(s.rooms, id)
	for i, rid := range s.roomOrder {
		if rid == id {
			s.roomOrder = append(s.roomOrder[:i], s.roomOrder[i+1:]...)
			break
		}
	}
	return nil
}

// --- Teams and memberships ---

func (s *MemoryStore) CreateTeam(_ context.Context, team *model.Team, ledger *model.Ledger, room *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; !ok {
		return model.ErrRoomNotFound
	}
	t := *team
	t.Members = append([]model.MemberRef(nil), team.Members...)
	s.teams[team.ID] = &t
	s.ledgers[team.ID] = ledger.Clone()
	for _, m := range team.Members {
		s.userTeams[m.UserID] = team.ID
	}
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *MemoryStore) GetTeam(_ context.Context, id string) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[id]
	if !ok {
		return nil, model.ErrTeamNotFound
	}
	c := *t
	c.Members = append([]model.MemberRef(nil), t.Members...)
	return &c, nil
}

func (s *MemoryStore) GetMembership(_ context.Context, userID string) (*model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &model.Membership{UserID: userID, TeamID: s.userTeams[userID]}
	if m.TeamID != "" {
		return m, nil
	}
	for _, id := range s.roomOrder {
		r := s.rooms[id]
		if r != nil && r.Status != model.RoomStarted && r.HasMember(userID) {
			m.RoomID = r.ID
			break
		}
	}
	return m, nil
}

// --- Ledgers ---

func (s *MemoryStore) GetLedger(_ context.Context, teamID string) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[teamID]
	if !ok {
		return nil, model.ErrTeamNotFound
	}
	return l.Clone(), nil
}

func (s *MemoryStore) GetMembershipForUpdate(ctx context.Context, userID string) (*model.Membership, error) {
	return s.GetMembership(ctx, userID)
}

func (s *MemoryStore) GetLedgerForUpdate(ctx context.Context, teamID string) (*model.Ledger, error) {
	return s.GetLedger(ctx, teamID)
}

func (s *MemoryStore) SaveLedger(_ context.Context, ledger *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[ledger.TeamID]; !ok {
		return model.ErrTeamNotFound
	}
	s.ledgers[ledger.TeamID] = ledger.Clone()
	return nil
}

// --- Proposals ---

func (s *MemoryStore) CreateProposal(_ context.Context, p *model.Proposal, card *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.proposals {
		if existing.TeamID == p.TeamID &&
			existing.InstrumentCode == p.InstrumentCode &&
			existing.Side == p.Side &&
			existing.Status.Active() {
			return model.ErrDuplicateActiveProposal
		}
	}
	if card != nil {
		if err := s.appendLocked(card); err != nil {
			return err
		}
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, model.ErrProposalNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindProposalByToken(_ context.Context, teamID, token string) (*model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, model.ErrProposalNotFound
	}
	for _, p := range s.proposals {
		if p.TeamID == teamID && p.ClientToken == token {
			return p.Clone(), nil
		}
	}
	return nil, model.ErrProposalNotFound
}

func (s *MemoryStore) UpdateProposal(_ context.Context, p *model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[p.ID]; !ok {
		return model.ErrProposalNotFound
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListProposals(_ context.Context, teamID string, activeOnly bool) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Proposal
	for _, p := range s.proposals {
		if p.TeamID != teamID {
			continue
		}
		if activeOnly && p.Status.Terminal() {
			continue
		}
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListProposalsByStatus(_ context.Context, statuses ...model.Status) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var result []model.Proposal
	for _, p := range s.proposals {
		if want[p.Status] {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- Chat log ---

func (s *MemoryStore) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(msg)
}

// appendLocked assigns the next sequence number. Caller holds s.mu.
func (s *MemoryStore) appendLocked(msg *model.Message) error {
	entries := s.messages[msg.TeamID]
	if msg.ClientToken != "" {
		for _, m := range entries {
			if m.ClientToken == msg.ClientToken {
				return model.ErrDuplicateMessage
			}
		}
	}
	msg.Seq = int64(len(entries)) + 1
	s.messages[msg.TeamID] = append(entries, copyMessage(msg))
	return nil
}

func (s *MemoryStore) FindMessageByToken(_ context.Context, teamID, token string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[teamID] {
		if token != "" && m.ClientToken == token {
			c := copyMessage(&m)
			return &c, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, teamID string, afterSeq int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.messages[teamID]
	// Seq n lives at index n-1.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(entries) {
		return []model.Message{}, nil
	}
	end := len(entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	result := make([]model.Message, 0, end-start)
	for i := start; i < end; i++ {
		result = append(result, copyMessage(&entries[i]))
	}
	return result, nil
}

func copyMessage(m *model.Message) model.Message {
	c := *m
	if m.Execution != nil {
		e := *m.Execution
		c.Execution = &e
	}
	return c
}
