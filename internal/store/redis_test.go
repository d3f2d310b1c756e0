package store_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// offlineRedis returns a client whose every connection attempt fails and is
// counted, so a test can tell whether a read went to Redis at all.
func offlineRedis(t *testing.T) (*redis.Client, *atomic.Int64) {
	t.Helper()
	var dials atomic.Int64
	rdb := redis.NewClient(&redis.Options{
		Addr:       "cache.invalid:6379",
		MaxRetries: -1,
		Dialer: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("redis offline")
		},
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb, &dials
}

func TestCachedStore_ForUpdateReadsSkipCache(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTeam(t, ms, "team-1", "alice")
	rdb, dials := offlineRedis(t)
	cs := store.NewCachedStore(ms, rdb, 0)
	ctx := context.Background()

	l, err := cs.GetLedgerForUpdate(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetLedgerForUpdate: %v", err)
	}
	if !l.Cash.Equal(d(1000)) {
		t.Errorf("cash = %s, want 1000", l.Cash)
	}
	m, err := cs.GetMembershipForUpdate(ctx, "alice")
	if err != nil {
		t.Fatalf("GetMembershipForUpdate: %v", err)
	}
	if m.TeamID != "team-1" {
		t.Errorf("membership = %+v, want team-1", m)
	}
	if n := dials.Load(); n != 0 {
		t.Errorf("ForUpdate reads dialed redis %d times", n)
	}

	// The plain reads do go through the cache, and fall back when it is down.
	if _, err := cs.GetLedger(ctx, "team-1"); err != nil {
		t.Fatalf("GetLedger: %v", err)
	}
	if dials.Load() == 0 {
		t.Error("expected GetLedger to consult redis")
	}
}

func TestCachedStore_ForUpdateSeesLatestWrite(t *testing.T) {
	ms := store.NewMemoryStore()
	seedTeam(t, ms, "team-1", "alice")
	rdb, _ := offlineRedis(t)
	cs := store.NewCachedStore(ms, rdb, 0)
	ctx := context.Background()

	l, _ := cs.GetLedgerForUpdate(ctx, "team-1")
	l.Cash = d(250)
	l.Holdings["005930"] = &model.Holding{Code: "005930", Quantity: 3, AveragePrice: d(250)}
	if err := cs.SaveLedger(ctx, l); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	got, err := cs.GetLedgerForUpdate(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetLedgerForUpdate: %v", err)
	}
	if !got.Cash.Equal(d(250)) || got.Holdings["005930"].Quantity != 3 {
		t.Errorf("expected the saved ledger, got cash=%s holdings=%+v", got.Cash, got.Holdings)
	}
}
