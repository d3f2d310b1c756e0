package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

func seedTeam(t *testing.T, ms *store.MemoryStore, teamID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	room := &model.Room{ID: "room-" + teamID, Name: "r", Capacity: len(users), Status: model.RoomWaiting, CreatedAt: now}
	for _, u := range users {
		room.Members = append(room.Members, model.MemberRef{UserID: u, Nickname: u, JoinedAt: now})
	}
	if err := ms.CreateRoom(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	room.Status = model.RoomStarted
	room.TeamID = teamID
	team := &model.Team{ID: teamID, RoomID: room.ID, Members: room.Members, CreatedAt: now}
	ledger := &model.Ledger{TeamID: teamID, Cash: decimal.NewFromInt(1000), InvestmentAmount: decimal.NewFromInt(1000), Holdings: map[string]*model.Holding{}}
	if err := ms.CreateTeam(ctx, team, ledger, room); err != nil {
		t.Fatalf("create team: %v", err)
	}
}

func TestMemoryStore_MembershipFollowsRoomAndTeam(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	room := &model.Room{ID: "r1", Capacity: 3, Status: model.RoomWaiting,
		Members: []model.MemberRef{{UserID: "alice"}}}
	if err := ms.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	m, err := ms.GetMembership(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.RoomID != "r1" || m.TeamID != "" {
		t.Errorf("expected room r1 and no team, got %+v", m)
	}

	seedTeam(t, ms, "t1", "bob")
	m, _ = ms.GetMembership(ctx, "bob")
	if m.TeamID != "t1" || m.RoomID != "" {
		t.Errorf("expected team t1, got %+v", m)
	}

	m, _ = ms.GetMembership(ctx, "nobody")
	if m.RoomID != "" || m.TeamID != "" {
		t.Errorf("expected empty membership, got %+v", m)
	}
}

func TestMemoryStore_CreateProposalRejectsSecondActive(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTeam(t, ms, "t1", "alice")

	p := &model.Proposal{ID: "p1", TeamID: "t1", Side: model.SideBuy, InstrumentCode: "005930", Status: model.StatusOngoing}
	card := &model.Message{ID: "m1", TeamID: "t1", Kind: model.MessageProposal, ProposalID: "p1"}
	if err := ms.CreateProposal(ctx, p, card); err != nil {
		t.Fatal(err)
	}
	if card.Seq != 1 {
		t.Errorf("expected card seq 1, got %d", card.Seq)
	}

	dup := &model.Proposal{ID: "p2", TeamID: "t1", Side: model.SideBuy, InstrumentCode: "005930", Status: model.StatusOngoing}
	err := ms.CreateProposal(ctx, dup, &model.Message{ID: "m2", TeamID: "t1"})
	if !errors.Is(err, model.ErrDuplicateActiveProposal) {
		t.Fatalf("expected ErrDuplicateActiveProposal, got %v", err)
	}

	// The rejected proposal's card must not be in the log.
	msgs, _ := ms.ListMessages(ctx, "t1", 0, 0)
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}

	// Once terminal, the slot is free again.
	p.Status = model.StatusExpired
	if err := ms.UpdateProposal(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateProposal(ctx, dup, nil); err != nil {
		t.Errorf("expected create after expiry to succeed, got %v", err)
	}
}

func TestMemoryStore_MessagesPaginateBySeq(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTeam(t, ms, "t1", "alice")

	for i := 0; i < 5; i++ {
		if err := ms.AppendMessage(ctx, &model.Message{TeamID: "t1", Kind: model.MessageText}); err != nil {
			t.Fatal(err)
		}
	}

	page, _ := ms.ListMessages(ctx, "t1", 0, 2)
	if len(page) != 2 || page[0].Seq != 1 || page[1].Seq != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, _ = ms.ListMessages(ctx, "t1", 2, 10)
	if len(page) != 3 || page[0].Seq != 3 {
		t.Fatalf("unexpected second page: %+v", page)
	}
	page, _ = ms.ListMessages(ctx, "t1", 5, 10)
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
}

func TestMemoryStore_MessageTokenDedup(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTeam(t, ms, "t1", "alice")

	if err := ms.AppendMessage(ctx, &model.Message{ID: "a", TeamID: "t1", ClientToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	err := ms.AppendMessage(ctx, &model.Message{ID: "b", TeamID: "t1", ClientToken: "tok"})
	if !errors.Is(err, model.ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
	m, err := ms.FindMessageByToken(ctx, "t1", "tok")
	if err != nil || m.ID != "a" {
		t.Errorf("expected original message, got %+v %v", m, err)
	}
	if _, err := ms.FindMessageByToken(ctx, "t1", "other"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedTeam(t, ms, "t1", "alice")

	l, _ := ms.GetLedger(ctx, "t1")
	l.Cash = decimal.Zero
	l.Holdings["X"] = &model.Holding{Code: "X", Quantity: 1}

	again, _ := ms.GetLedger(ctx, "t1")
	if !again.Cash.Equal(decimal.NewFromInt(1000)) || len(again.Holdings) != 0 {
		t.Errorf("stored ledger was mutated through a returned copy: %+v", again)
	}
}
