package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamfolio/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: team lookups, memberships and ledgers.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary. Everything else passes through,
// including the ForUpdate reads, which never see the cache.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRoom(ctx context.Context, r *model.Room) error {
	if err := s.Store.CreateRoom(ctx, r); err != nil {
		return err
	}
	s.invalidateMembers(ctx, r.Members)
	return nil
}

func (s *CachedStore) UpdateRoom(ctx context.Context, r *model.Room) error {
	// Members who just left are only in the previous version.
	prev, _ := s.Store.GetRoom(ctx, r.ID)
	if err := s.Store.UpdateRoom(ctx, r); err != nil {
		return err
	}
	if prev != nil {
		s.invalidateMembers(ctx, prev.Members)
	}
	s.invalidateMembers(ctx, r.Members)
	return nil
}

func (s *CachedStore) DeleteRoom(ctx context.Context, id string) error {
	prev, _ := s.Store.GetRoom(ctx, id)
	if err := s.Store.DeleteRoom(ctx, id); err != nil {
		return err
	}
	if prev != nil {
		s.invalidateMembers(ctx, prev.Members)
	}
	return nil
}

func (s *CachedStore) CreateTeam(ctx context.Context, t *model.Team, l *model.Ledger, r *model.Room) error {
	if err := s.Store.CreateTeam(ctx, t, l, r); err != nil {
		return err
	}
	s.invalidateMembers(ctx, t.Members)
	return nil
}

func (s *CachedStore) SaveLedger(ctx context.Context, l *model.Ledger) error {
	if err := s.Store.SaveLedger(ctx, l); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, ledgerKey(l.TeamID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	if s.load(ctx, teamKey(id), &t) {
		return &t, nil
	}
	team, err := s.Store.GetTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	// Teams are immutable once created.
	s.save(ctx, teamKey(id), team)
	return team, nil
}

func (s *CachedStore) GetMembership(ctx context.Context, userID string) (*model.Membership, error) {
	var m model.Membership
	if s.load(ctx, membershipKey(userID), &m) {
		return &m, nil
	}
	membership, err := s.Store.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, membershipKey(userID), membership)
	return membership, nil
}

func (s *CachedStore) GetLedger(ctx context.Context, teamID string) (*model.Ledger, error) {
	var l model.Ledger
	if s.load(ctx, ledgerKey(teamID), &l) {
		if l.Holdings == nil {
			l.Holdings = make(map[string]*model.Holding)
		}
		return &l, nil
	}
	ledger, err := s.Store.GetLedger(ctx, teamID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ledgerKey(teamID), ledger)
	return ledger, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateMembers(ctx context.Context, members []model.MemberRef) {
	if len(members) == 0 {
		return
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = membershipKey(m.UserID)
	}
	s.rdb.Del(ctx, keys...)
}

func teamKey(id string) string { return fmt.Sprintf("team:%s", id) }
func ledgerKey(teamID string) string { return fmt.Sprintf("ledger:%s", teamID) }
func membershipKey(uid string) string { return fmt.Sprintf("membership:%s", uid) }
