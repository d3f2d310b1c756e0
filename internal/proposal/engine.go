// Package proposal implements trade proposals and the team vote that
// approves them. It owns every proposal status transition up to the hand-off
// to the execution engine, and the expiry of proposals nobody decided on.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/instrument"
	"github.com/teamfolio/trade-engine/internal/keylock"
	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

// DefaultTTL is how long a proposal stays open without a decision.
const DefaultTTL = 24 * time.Hour

// Executor turns approved proposals into fills.
type Executor interface {
	// ExecuteMarket fills a proposal already moved to executing and returns
	// it in its final state.
	ExecuteMarket(ctx context.Context, p *model.Proposal) (*model.Proposal, error)
	// Watch registers a pending LIMIT/CONDITIONAL proposal with the trigger
	// index. It is called with the team lock held and must not take it.
	Watch(p *model.Proposal)
	// Unwatch removes a proposal from the trigger index.
	Unwatch(p *model.Proposal)
}

// Notifier pushes proposal activity to connected team members.
type Notifier interface {
	// Deliver pushes a message that is already in the durable log.
	Deliver(msg *model.Message)
	// Publish pushes a transient event.
	Publish(teamID string, ev model.Event)
}

// Request is the input of Create.
type Request struct {
	TeamID           string
	Proposer         model.Identity
	Side             model.Side
	Code             string
	Name             string
	Quantity         int64
	Strategy         model.Strategy
	LimitPrice       decimal.Decimal
	TriggerPrice     decimal.Decimal
	TriggerDirection model.Direction
	Reason           string
	ClientToken      string
}

// Engine manages proposals. Every state change of a team's proposals runs
// under that team's lock in locks, which the execution engine shares.
type Engine struct {
	store  store.Store
	locks  *keylock.Map
	exec   Executor
	notify Notifier
	ttl    time.Duration
	now    func() time.Time
}

// NewEngine creates a proposal engine. A zero ttl selects DefaultTTL.
func NewEngine(st store.Store, locks *keylock.Map, exec Executor, notify Notifier, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		store:  st,
		locks:  locks,
		exec:   exec,
		notify: notify,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's clock. For tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// --- Create ---

func validate(req *Request) error {
	if req.Quantity < 1 {
		return model.ErrQuantityInvalid
	}
	if !req.Side.Valid() {
		return model.ErrInvalidSide
	}
	code, err := instrument.Normalize(req.Code)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInstrument, err)
	}
	req.Code = code

	if req.Strategy == "" {
		req.Strategy = model.StrategyMarket
	}
	switch req.Strategy {
	case model.StrategyMarket:
		req.LimitPrice, req.TriggerPrice, req.TriggerDirection = decimal.Zero, decimal.Zero, ""
	case model.StrategyLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: LIMIT needs a positive limit price", model.ErrInvalidStrategyParams)
		}
		req.TriggerPrice, req.TriggerDirection = decimal.Zero, ""
	case model.StrategyConditional:
		if !req.TriggerPrice.IsPositive() {
			return fmt.Errorf("%w: CONDITIONAL needs a positive trigger price", model.ErrInvalidStrategyParams)
		}
		if req.TriggerDirection != model.DirectionAbove && req.TriggerDirection != model.DirectionBelow {
			return fmt.Errorf("%w: trigger direction must be ABOVE or BELOW", model.ErrInvalidStrategyParams)
		}
		req.LimitPrice = decimal.Zero
	default:
		return fmt.Errorf("%w: unknown strategy %q", model.ErrInvalidStrategyParams, req.Strategy)
	}
	return nil
}

// Create opens a proposal and posts its chat card in the same store write.
// Retrying with the same client token returns the proposal created first.
func (e *Engine) Create(ctx context.Context, req Request) (*model.Proposal, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	team, err := e.store.GetTeam(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.HasMember(req.Proposer.UserID) {
		return nil, model.ErrNotTeamMember
	}

	unlock := e.locks.Lock(team.ID)
	defer unlock()

	if req.ClientToken != "" {
		existing, err := e.store.FindProposalByToken(ctx, team.ID, req.ClientToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, model.ErrProposalNotFound) {
			return nil, err
		}
	}

	now := e.now()
	// An overdue proposal on the same slot is expired first so it does not
	// block the new one.
	if err := e.expireTeamLocked(ctx, team.ID, now); err != nil {
		return nil, err
	}

	p := &model.Proposal{
		ID:               uuid.New().String(),
		TeamID:           team.ID,
		ProposerID:       req.Proposer.UserID,
		ProposerName:     req.Proposer.Nickname,
		Side:             req.Side,
		InstrumentCode:   req.Code,
		InstrumentName:   req.Name,
		Quantity:         req.Quantity,
		Strategy:         req.Strategy,
		LimitPrice:       req.LimitPrice,
		TriggerPrice:     req.TriggerPrice,
		TriggerDirection: req.TriggerDirection,
		Reason:           req.Reason,
		ClientToken:      req.ClientToken,
		Votes:            []model.Vote{},
		Status:           model.StatusOngoing,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.ttl),
		UpdatedAt:        now,
	}
	card := &model.Message{
		ID:         uuid.New().String(),
		TeamID:     team.ID,
		Kind:       model.MessageProposal,
		SenderID:   p.ProposerID,
		SenderName: p.ProposerName,
		Text:       cardText(p),
		ProposalID: p.ID,
		CreatedAt:  now,
	}
	if req.ClientToken != "" {
		card.ClientToken = "proposal:" + req.ClientToken
	}

	if err := e.store.CreateProposal(ctx, p, card); err != nil {
		return nil, err
	}

	metrics.ProposalsCreated.WithLabelValues(string(p.Strategy)).Inc()
	slog.Info("proposal created", "team", p.TeamID, "proposal", p.ID,
		"side", p.Side, "code", p.InstrumentCode, "qty", p.Quantity, "strategy", p.Strategy)

	e.notify.Deliver(card)
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalCreated, TeamID: p.TeamID, Proposal: p.Clone()})
	return p, nil
}

func cardText(p *model.Proposal) string {
	s := fmt.Sprintf("%s proposes to %s %d × %s (%s)", p.ProposerName, p.Side, p.Quantity, p.DisplayName(), p.Strategy)
	switch p.Strategy {
	case model.StrategyLimit:
		s += " at " + p.LimitPrice.String()
	case model.StrategyConditional:
		s += fmt.Sprintf(" when price goes %s %s", p.TriggerDirection, p.TriggerPrice)
	}
	return s
}

// --- Vote ---

// CastVote records voter's choice, replacing any earlier vote, and resolves
// consensus. A MARKET proposal that passes is executed before CastVote
// returns; a LIMIT or CONDITIONAL one becomes pending and is watched.
func (e *Engine) CastVote(ctx context.Context, proposalID string, voter model.Identity, choice model.Choice) (*model.Proposal, error) {
	if !choice.Valid() {
		return nil, model.ErrInvalidChoice
	}
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(p.TeamID)
	defer unlock()

	// Re-read under the lock: the first read only located the team.
	p, err = e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if e.dueForExpiry(p, now) {
		if err := e.expireLocked(ctx, p, now); err != nil {
			return nil, err
		}
		return nil, model.ErrProposalNotOngoing
	}
	if p.Status != model.StatusOngoing {
		return nil, model.ErrProposalNotOngoing
	}

	team, err := e.store.GetTeam(ctx, p.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.HasMember(voter.UserID) {
		return nil, model.ErrVoterNotOnTeam
	}

	p.RecordVote(voter.UserID, choice, now)
	metrics.VotesCast.WithLabelValues(string(choice)).Inc()

	approve, reject, abstain := p.Tally()
	outcome := Resolve(team.Size(), approve, reject, abstain)
	switch outcome {
	case model.StatusPassed:
		p.MustTransition(model.StatusPassed)
		if p.Strategy == model.StrategyMarket {
			p.MustTransition(model.StatusExecuting)
		} else {
			p.MustTransition(model.StatusPending)
		}
	case model.StatusRejected:
		p.MustTransition(model.StatusRejected)
		p.FailureReason = "rejected by team vote"
	}
	p.UpdatedAt = now

	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}

	slog.Info("vote cast", "team", p.TeamID, "proposal", p.ID, "voter", voter.UserID,
		"choice", choice, "approve", approve, "reject", reject, "abstain", abstain, "status", p.Status)
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventVoteUpdated, TeamID: p.TeamID, Proposal: p.Clone()})
	if outcome != model.StatusOngoing {
		metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
		e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
	}
	// Registered before unlocking, so a cancel or expiry always finds the
	// watch it has to remove.
	if p.Status == model.StatusPending {
		e.exec.Watch(p)
	}
	unlock()

	// ExecuteMarket takes the team lock itself.
	if p.Status == model.StatusExecuting {
		settled, err := e.exec.ExecuteMarket(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("execute proposal %s: %w", p.ID, err)
		}
		return settled, nil
	}
	return p, nil
}

// --- Cancel ---

// CancelPending withdraws a pending proposal. Only the proposer may cancel.
// The check and the transition happen under the team lock, so a trigger
// fill either claims the proposal first or finds it cancelled.
func (e *Engine) CancelPending(ctx context.Context, proposalID string, requester model.Identity) (*model.Proposal, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(p.TeamID)
	defer unlock()

	p, err = e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if e.dueForExpiry(p, now) {
		if err := e.expireLocked(ctx, p, now); err != nil {
			return nil, err
		}
		return nil, model.ErrNotPending
	}
	if p.Status != model.StatusPending {
		return nil, model.ErrNotPending
	}
	if p.ProposerID != requester.UserID {
		return nil, model.ErrNotAuthorized
	}

	e.exec.Unwatch(p)
	p.MustTransition(model.StatusCancelled)
	p.UpdatedAt = now
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}

	metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	slog.Info("proposal cancelled", "team", p.TeamID, "proposal", p.ID, "by", requester.UserID)
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
	return p, nil
}

// --- Reads ---

// Get returns a proposal, expiring it first if it is overdue.
func (e *Engine) Get(ctx context.Context, proposalID string) (*model.Proposal, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return e.settleExpiry(ctx, p)
}

// ListActive returns the team's non-terminal proposals, newest first.
func (e *Engine) ListActive(ctx context.Context, teamID string) ([]model.Proposal, error) {
	return e.list(ctx, teamID, true)
}

// List returns all of the team's proposals, newest first.
func (e *Engine) List(ctx context.Context, teamID string) ([]model.Proposal, error) {
	return e.list(ctx, teamID, false)
}

func (e *Engine) list(ctx context.Context, teamID string, activeOnly bool) ([]model.Proposal, error) {
	ps, err := e.store.ListProposals(ctx, teamID, activeOnly)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := ps[:0]
	for i := range ps {
		p := &ps[i]
		if e.dueForExpiry(p, now) {
			if p, err = e.settleExpiry(ctx, p); err != nil {
				return nil, err
			}
		}
		if activeOnly && p.Status.Terminal() {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

// settleExpiry expires p if it is overdue and returns its current state.
func (e *Engine) settleExpiry(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	if !e.dueForExpiry(p, e.now()) {
		return p, nil
	}
	unlock := e.locks.Lock(p.TeamID)
	defer unlock()

	cur, err := e.store.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if e.dueForExpiry(cur, now) {
		if err := e.expireLocked(ctx, cur, now); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// --- Expiry ---

// dueForExpiry reports whether p is still undecided past its deadline. A
// proposal that already left ongoing/pending is never expired; a fill in
// flight is allowed to finish.
func (e *Engine) dueForExpiry(p *model.Proposal, now time.Time) bool {
	if p.Status != model.StatusOngoing && p.Status != model.StatusPending {
		return false
	}
	return !now.Before(p.ExpiresAt)
}

// expireLocked moves p to expired. Caller holds the team lock.
func (e *Engine) expireLocked(ctx context.Context, p *model.Proposal, now time.Time) error {
	if p.Status == model.StatusPending {
		e.exec.Unwatch(p)
	}
	p.MustTransition(model.StatusExpired)
	p.UpdatedAt = now
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return fmt.Errorf("expire proposal %s: %w", p.ID, err)
	}
	metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	slog.Info("proposal expired", "team", p.TeamID, "proposal", p.ID)
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
	return nil
}

// expireTeamLocked expires every overdue proposal of a team. Caller holds
// the team lock.
func (e *Engine) expireTeamLocked(ctx context.Context, teamID string, now time.Time) error {
	active, err := e.store.ListProposals(ctx, teamID, true)
	if err != nil {
		return err
	}
	for i := range active {
		if e.dueForExpiry(&active[i], now) {
			if err := e.expireLocked(ctx, &active[i], now); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireOverdue expires every ongoing or pending proposal past its
// deadline and returns how many it expired.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	candidates, err := e.store.ListProposalsByStatus(ctx, model.StatusOngoing, model.StatusPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range candidates {
		c := &candidates[i]
		if !e.dueForExpiry(c, now) {
			continue
		}
		unlock := e.locks.Lock(c.TeamID)
		cur, err := e.store.GetProposal(ctx, c.ID)
		if err == nil && e.dueForExpiry(cur, now) {
			err = e.expireLocked(ctx, cur, now)
			if err == nil {
				n++
			}
		}
		unlock()
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// RunSweeper expires overdue proposals every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.ExpireOverdue(ctx, e.now())
			if err != nil {
				slog.Error("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("expiry sweep", "expired", n)
			}
		}
	}
}
