package proposal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/keylock"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/proposal"
	"github.com/teamfolio/trade-engine/internal/store"
)

var (
	alice = model.Identity{UserID: "alice", Nickname: "Alice"}
	bob   = model.Identity{UserID: "bob", Nickname: "Bob"}
	carol = model.Identity{UserID: "carol", Nickname: "Carol"}
	eve   = model.Identity{UserID: "eve", Nickname: "Eve"}
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeExec records hand-offs. ExecuteMarket returns the proposal unchanged.
type fakeExec struct {
	mu        sync.Mutex
	market    []string
	watched   map[string]bool
	unwatched []string
	onWatch   func(p *model.Proposal)
}

func newFakeExec() *fakeExec { return &fakeExec{watched: make(map[string]bool)} }

func (f *fakeExec) ExecuteMarket(_ context.Context, p *model.Proposal) (*model.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.market = append(f.market, p.ID)
	return p, nil
}

func (f *fakeExec) Watch(p *model.Proposal) {
	if f.onWatch != nil {
		f.onWatch(p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[p.ID] = true
}

func (f *fakeExec) Unwatch(p *model.Proposal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, p.ID)
	f.unwatched = append(f.unwatched, p.ID)
}

func (f *fakeExec) marketCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.market...)
}

func (f *fakeExec) isWatched(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[id]
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []*model.Message
	events    []model.Event
}

func (n *fakeNotifier) Deliver(msg *model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, msg)
}

func (n *fakeNotifier) Publish(_ string, ev model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) count(typ model.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type fixture struct {
	engine *proposal.Engine
	store  *store.MemoryStore
	exec   *fakeExec
	notify *fakeNotifier
	clock  *clock
}

// newFixture seeds team-1 with the given members.
func newFixture(t *testing.T, members ...model.Identity) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	refs := make([]model.MemberRef, len(members))
	for i, m := range members {
		refs[i] = model.MemberRef{UserID: m.UserID, Nickname: m.Nickname}
	}
	room := &model.Room{ID: "room-1", Capacity: len(members), Status: model.RoomStarted, TeamID: "team-1", Members: refs}
	if err := ms.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	team := &model.Team{ID: "team-1", RoomID: room.ID, Members: refs}
	l := &model.Ledger{TeamID: "team-1", Cash: d(10000000), InvestmentAmount: d(10000000), Holdings: map[string]*model.Holding{}}
	if err := ms.CreateTeam(ctx, team, l, room); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:  ms,
		exec:   newFakeExec(),
		notify: &fakeNotifier{},
		clock:  &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.engine = proposal.NewEngine(ms, keylock.New(), f.exec, f.notify, 0)
	f.engine.SetClock(f.clock.Now)
	return f
}

func marketBuy(proposer model.Identity, code string, qty int64) proposal.Request {
	return proposal.Request{
		TeamID:   "team-1",
		Proposer: proposer,
		Side:     model.SideBuy,
		Code:     code,
		Quantity: qty,
		Reason:   "earnings beat",
	}
}

func mustCreate(t *testing.T, f *fixture, req proposal.Request) *model.Proposal {
	t.Helper()
	p, err := f.engine.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func mustVote(t *testing.T, f *fixture, id string, voter model.Identity, c model.Choice) *model.Proposal {
	t.Helper()
	p, err := f.engine.CastVote(context.Background(), id, voter, c)
	if err != nil {
		t.Fatalf("%s votes %s: %v", voter.UserID, c, err)
	}
	return p
}

// --- Create ---

func TestCreate_OpensOngoingProposalWithCard(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	req := marketBuy(alice, " krx:005930 ", 10)
	req.Name = "Samsung Electronics"
	req.LimitPrice = d(70000)

	p := mustCreate(t, f, req)

	if p.Status != model.StatusOngoing {
		t.Errorf("expected ongoing, got %s", p.Status)
	}
	if p.InstrumentCode != "005930" || p.Strategy != model.StrategyMarket {
		t.Errorf("expected normalized MARKET proposal, got %s/%s", p.InstrumentCode, p.Strategy)
	}
	if !p.LimitPrice.IsZero() {
		t.Errorf("MARKET proposal kept a limit price %s", p.LimitPrice)
	}
	if want := f.clock.Now().Add(proposal.DefaultTTL); !p.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, p.ExpiresAt)
	}

	msgs, _ := f.store.ListMessages(context.Background(), "team-1", 0, 10)
	if len(msgs) != 1 || msgs[0].Kind != model.MessageProposal || msgs[0].ProposalID != p.ID {
		t.Fatalf("expected one proposal card, got %+v", msgs)
	}
	if len(f.notify.delivered) != 1 || f.notify.count(model.EventProposalCreated) != 1 {
		t.Errorf("expected card delivery and proposal_created event")
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	tests := []struct {
		name string
		req  proposal.Request
		want error
	}{
		{"zero quantity", marketBuy(alice, "005930", 0), model.ErrQuantityInvalid},
		{"bad side", proposal.Request{TeamID: "team-1", Proposer: alice, Side: "hold", Code: "005930", Quantity: 1}, model.ErrInvalidSide},
		{"bad code", marketBuy(alice, "SAMSUNG", 1), model.ErrInvalidInstrument},
		{"limit without price", proposal.Request{TeamID: "team-1", Proposer: alice, Side: model.SideBuy, Code: "005930", Quantity: 1, Strategy: model.StrategyLimit}, model.ErrInvalidStrategyParams},
		{"conditional without direction", proposal.Request{TeamID: "team-1", Proposer: alice, Side: model.SideBuy, Code: "005930", Quantity: 1, Strategy: model.StrategyConditional, TriggerPrice: d(1000)}, model.ErrInvalidStrategyParams},
		{"unknown strategy", proposal.Request{TeamID: "team-1", Proposer: alice, Side: model.SideBuy, Code: "005930", Quantity: 1, Strategy: "STOP"}, model.ErrInvalidStrategyParams},
		{"outsider", marketBuy(eve, "005930", 1), model.ErrNotTeamMember},
		{"unknown team", proposal.Request{TeamID: "nope", Proposer: alice, Side: model.SideBuy, Code: "005930", Quantity: 1}, model.ErrTeamNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Create(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreate_SingleActivePerInstrumentAndSide(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	ctx := context.Background()

	mustCreate(t, f, marketBuy(alice, "005930", 10))

	if _, err := f.engine.Create(ctx, marketBuy(bob, "005930", 5)); !errors.Is(err, model.ErrDuplicateActiveProposal) {
		t.Errorf("expected ErrDuplicateActiveProposal, got %v", err)
	}

	sellReq := marketBuy(bob, "005930", 5)
	sellReq.Side = model.SideSell
	if _, err := f.engine.Create(ctx, sellReq); err != nil {
		t.Errorf("opposite side should be allowed: %v", err)
	}
	if _, err := f.engine.Create(ctx, marketBuy(bob, "000660", 5)); err != nil {
		t.Errorf("other instrument should be allowed: %v", err)
	}
}

func TestCreate_ClientTokenRetryReturnsFirst(t *testing.T) {
	f := newFixture(t, alice, bob)
	req := marketBuy(alice, "005930", 10)
	req.ClientToken = "tok-1"

	first := mustCreate(t, f, req)
	retry := mustCreate(t, f, req)

	if retry.ID != first.ID {
		t.Errorf("retry created a new proposal %s, first was %s", retry.ID, first.ID)
	}
	msgs, _ := f.store.ListMessages(context.Background(), "team-1", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("expected a single card, got %d messages", len(msgs))
	}
}

// --- Vote ---

func TestCastVote_EarlyConsensusExecutesMarket(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	p := mustCreate(t, f, marketBuy(alice, "005930", 10))

	got := mustVote(t, f, p.ID, alice, model.ChoiceApprove)
	if got.Status != model.StatusOngoing {
		t.Fatalf("one of three approvals should keep it ongoing, got %s", got.Status)
	}
	if len(f.exec.marketCalls()) != 0 {
		t.Fatal("executed before consensus")
	}

	got = mustVote(t, f, p.ID, bob, model.ChoiceApprove)
	if got.Status != model.StatusExecuting {
		t.Errorf("two of three approvals should hand off for execution, got %s", got.Status)
	}
	if calls := f.exec.marketCalls(); len(calls) != 1 || calls[0] != p.ID {
		t.Errorf("expected one market execution, got %v", calls)
	}
	if _, err := f.engine.CastVote(context.Background(), p.ID, carol, model.ChoiceReject); !errors.Is(err, model.ErrProposalNotOngoing) {
		t.Errorf("expected ErrProposalNotOngoing after decision, got %v", err)
	}
}

func TestCastVote_ChangingVoteKeepsOneRecord(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	p := mustCreate(t, f, marketBuy(alice, "005930", 10))

	mustVote(t, f, p.ID, alice, model.ChoiceApprove)
	got := mustVote(t, f, p.ID, alice, model.ChoiceAbstain)

	if len(got.Votes) != 1 {
		t.Fatalf("expected a single vote record, got %d", len(got.Votes))
	}
	if got.Votes[0].Choice != model.ChoiceAbstain {
		t.Errorf("expected the later choice to win, got %s", got.Votes[0].Choice)
	}
	if f.notify.count(model.EventVoteUpdated) != 2 {
		t.Errorf("expected two vote_updated events")
	}
}

func TestCastVote_RejectedWhenMajorityUnreachable(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	p := mustCreate(t, f, marketBuy(alice, "005930", 10))

	mustVote(t, f, p.ID, bob, model.ChoiceReject)
	got := mustVote(t, f, p.ID, carol, model.ChoiceAbstain)

	if got.Status != model.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Error("expected a rejection reason")
	}
	if len(f.exec.marketCalls()) != 0 {
		t.Error("rejected proposal must not execute")
	}

	// The slot is free again.
	mustCreate(t, f, marketBuy(bob, "005930", 3))
}

func TestCastVote_LimitBecomesPendingAndWatched(t *testing.T) {
	f := newFixture(t, alice, bob)
	req := marketBuy(alice, "005930", 10)
	req.Strategy = model.StrategyLimit
	req.LimitPrice = d(500)
	p := mustCreate(t, f, req)

	mustVote(t, f, p.ID, alice, model.ChoiceApprove)
	got := mustVote(t, f, p.ID, bob, model.ChoiceApprove)

	if got.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if !f.exec.isWatched(p.ID) {
		t.Error("pending proposal was not watched")
	}
	if len(f.exec.marketCalls()) != 0 {
		t.Error("LIMIT proposal must not fill at market")
	}
}

func TestCastVote_Errors(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	ctx := context.Background()
	p := mustCreate(t, f, marketBuy(alice, "005930", 10))

	if _, err := f.engine.CastVote(ctx, p.ID, eve, model.ChoiceApprove); !errors.Is(err, model.ErrVoterNotOnTeam) {
		t.Errorf("expected ErrVoterNotOnTeam, got %v", err)
	}
	if _, err := f.engine.CastVote(ctx, p.ID, bob, "maybe"); !errors.Is(err, model.ErrInvalidChoice) {
		t.Errorf("expected ErrInvalidChoice, got %v", err)
	}
	if _, err := f.engine.CastVote(ctx, "missing", bob, model.ChoiceApprove); !errors.Is(err, model.ErrProposalNotFound) {
		t.Errorf("expected ErrProposalNotFound, got %v", err)
	}
}

func TestCastVote_ConcurrentApprovalsHandOffOnce(t *testing.T) {
	members := []model.Identity{alice, bob, carol,
		{UserID: "dave", Nickname: "Dave"}, {UserID: "erin", Nickname: "Erin"}}
	f := newFixture(t, members...)
	p := mustCreate(t, f, marketBuy(alice, "005930", 1))

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m model.Identity) {
			defer wg.Done()
			// Late voters may find it decided already.
			_, err := f.engine.CastVote(context.Background(), p.ID, m, model.ChoiceApprove)
			if err != nil && !errors.Is(err, model.ErrProposalNotOngoing) {
				t.Errorf("vote by %s: %v", m.UserID, err)
			}
		}(m)
	}
	wg.Wait()

	if calls := f.exec.marketCalls(); len(calls) != 1 {
		t.Errorf("expected exactly one hand-off, got %d", len(calls))
	}
	got, _ := f.store.GetProposal(context.Background(), p.ID)
	if a, _, _ := got.Tally(); a != proposal.Need(len(members)) {
		t.Errorf("expected votes to stop at %d approvals, got %d", proposal.Need(len(members)), a)
	}
}

// --- Expiry ---

func TestExpiry_LazyOnVoteAndRead(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	ctx := context.Background()
	p := mustCreate(t, f, marketBuy(alice, "005930", 10))
	mustVote(t, f, p.ID, alice, model.ChoiceApprove)

	f.clock.Advance(proposal.DefaultTTL + time.Minute)

	if _, err := f.engine.CastVote(ctx, p.ID, bob, model.ChoiceApprove); !errors.Is(err, model.ErrProposalNotOngoing) {
		t.Fatalf("expected ErrProposalNotOngoing on an overdue proposal, got %v", err)
	}
	got, err := f.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	if len(f.exec.marketCalls()) != 0 {
		t.Error("expired proposal must not execute")
	}

	active, _ := f.engine.ListActive(ctx, "team-1")
	if len(active) != 0 {
		t.Errorf("expected no active proposals, got %d", len(active))
	}
}

func TestExpiry_OverdueProposalDoesNotBlockNewOne(t *testing.T) {
	f := newFixture(t, alice, bob)
	old := mustCreate(t, f, marketBuy(alice, "005930", 10))

	f.clock.Advance(25 * time.Hour)

	fresh := mustCreate(t, f, marketBuy(bob, "005930", 5))
	if fresh.ID == old.ID {
		t.Fatal("expected a new proposal")
	}
	got, _ := f.store.GetProposal(context.Background(), old.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("expected the overdue proposal to be expired, got %s", got.Status)
	}
}

func TestExpireOverdue_PendingIsUnwatched(t *testing.T) {
	f := newFixture(t, alice)
	ctx := context.Background()
	req := marketBuy(alice, "005930", 10)
	req.Strategy = model.StrategyConditional
	req.TriggerPrice = d(1000)
	req.TriggerDirection = model.DirectionAbove
	p := mustCreate(t, f, req)
	mustVote(t, f, p.ID, alice, model.ChoiceApprove)
	mustCreate(t, f, marketBuy(alice, "000660", 1))

	n, err := f.engine.ExpireOverdue(ctx, f.clock.Now().Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("nothing is due yet: n=%d err=%v", n, err)
	}

	n, err = f.engine.ExpireOverdue(ctx, f.clock.Now().Add(proposal.DefaultTTL))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}
	if f.exec.isWatched(p.ID) {
		t.Error("expired pending proposal is still watched")
	}
	got, _ := f.store.GetProposal(ctx, p.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

// --- Cancel ---

func TestCancelPending(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()
	req := marketBuy(alice, "005930", 10)
	req.Strategy = model.StrategyLimit
	req.LimitPrice = d(500)
	p := mustCreate(t, f, req)

	if _, err := f.engine.CancelPending(ctx, p.ID, alice); !errors.Is(err, model.ErrNotPending) {
		t.Errorf("ongoing proposal: expected ErrNotPending, got %v", err)
	}

	mustVote(t, f, p.ID, alice, model.ChoiceApprove)
	mustVote(t, f, p.ID, bob, model.ChoiceApprove)

	if _, err := f.engine.CancelPending(ctx, p.ID, bob); !errors.Is(err, model.ErrNotAuthorized) {
		t.Errorf("non-proposer: expected ErrNotAuthorized, got %v", err)
	}

	got, err := f.engine.CancelPending(ctx, p.ID, alice)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if f.exec.isWatched(p.ID) {
		t.Error("cancelled proposal is still watched")
	}
	if _, err := f.engine.CancelPending(ctx, p.ID, alice); !errors.Is(err, model.ErrNotPending) {
		t.Errorf("second cancel: expected ErrNotPending, got %v", err)
	}
}

func TestCancelPending_RacingApprovalLeavesNothingWatched(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()
	req := marketBuy(alice, "005930", 10)
	req.Strategy = model.StrategyLimit
	req.LimitPrice = d(500)
	p := mustCreate(t, f, req)
	mustVote(t, f, p.ID, alice, model.ChoiceApprove)

	// The cancel is issued while the deciding vote is registering the watch.
	var wg sync.WaitGroup
	var cancelErr error
	f.exec.onWatch = func(p *model.Proposal) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancelErr = f.engine.CancelPending(ctx, p.ID, alice)
		}()
		time.Sleep(20 * time.Millisecond)
	}
	mustVote(t, f, p.ID, bob, model.ChoiceApprove)
	wg.Wait()

	if cancelErr != nil {
		t.Fatalf("cancel: %v", cancelErr)
	}
	got, _ := f.store.GetProposal(ctx, p.ID)
	if got.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if f.exec.isWatched(p.ID) {
		t.Error("cancelled proposal is still watched")
	}
}

// --- Reads ---

func TestList_NewestFirstAndActiveFilter(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	ctx := context.Background()

	first := mustCreate(t, f, marketBuy(alice, "005930", 1))
	f.clock.Advance(time.Minute)
	second := mustCreate(t, f, marketBuy(bob, "000660", 1))
	mustVote(t, f, first.ID, bob, model.ChoiceReject)
	mustVote(t, f, first.ID, carol, model.ChoiceReject)

	all, err := f.engine.List(ctx, "team-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID {
		t.Errorf("expected newest first, got %v", all)
	}
	active, _ := f.engine.ListActive(ctx, "team-1")
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("expected only the ongoing proposal, got %v", active)
	}
}
