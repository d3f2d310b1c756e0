// Package execution turns approved proposals into ledger fills. MARKET
// proposals fill at once at the reference price; LIMIT and CONDITIONAL
// proposals wait in a trigger index until a tick satisfies them.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/keylock"
	"github.com/teamfolio/trade-engine/internal/ledger"
	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

// Ledger applies fills.
type Ledger interface {
	ApplyFill(ctx context.Context, f ledger.Fill) (*ledger.View, error)
}

// Prices is the read side of the price feed plus instrument interest.
type Prices interface {
	Latest(code string) (model.Tick, bool)
	Interest(codes ...string)
	Release(codes ...string)
}

// Quoter looks up a reference price when no tick has been seen yet.
type Quoter interface {
	Quote(ctx context.Context, code string) (decimal.Decimal, error)
}

// Notifier posts durable execution notices and transient status events.
type Notifier interface {
	Broadcast(ctx context.Context, teamID string, msg *model.Message) error
	Publish(teamID string, ev model.Event)
}

// Options configures an Engine.
type Options struct {
	Workers     int
	QueueDepth  int
	FillTimeout time.Duration
}

// Engine executes proposals. It shares the per-team proposal lock with the
// proposal engine for claim and finalize, and never holds it while the
// ledger applies a fill.
type Engine struct {
	store  store.Store
	ledger Ledger
	prices Prices
	quotes Quoter
	notify Notifier
	locks  *keylock.Map
	index  *triggerIndex
	pool   *dispatcher
	opts   Options
	now    func() time.Time
}

// NewEngine creates an execution engine. quotes may be nil.
func NewEngine(st store.Store, l Ledger, prices Prices, quotes Quoter, notify Notifier, locks *keylock.Map, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 10 * time.Second
	}
	return &Engine{
		store:  st,
		ledger: l,
		prices: prices,
		quotes: quotes,
		notify: notify,
		locks:  locks,
		index:  newTriggerIndex(),
		pool:   newDispatcher(opts.Workers, opts.QueueDepth),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Wait blocks until every dispatched trigger fill has finished.
func (e *Engine) Wait() { e.pool.wait() }

// Close drains queued fills and stops the workers.
func (e *Engine) Close() { e.pool.close() }

// Watching returns the number of pending proposals in the trigger index.
func (e *Engine) Watching() int { return e.index.len() }

// --- MARKET ---

// ExecuteMarket fills p, which the caller has already moved to executing,
// at the latest feed price or a quote lookup. A missing price or a ledger
// refusal rejects the proposal; both outcomes are announced in chat.
// Cancelling ctx does not abandon a claimed fill; FillTimeout bounds it.
func (e *Engine) ExecuteMarket(ctx context.Context, p *model.Proposal) (*model.Proposal, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FillTimeout)
	defer cancel()

	price, err := e.referencePrice(ctx, p.InstrumentCode)
	if err != nil {
		slog.Warn("no reference price for market fill", "team", p.TeamID, "proposal", p.ID, "code", p.InstrumentCode, "err", err)
		return e.settle(ctx, p, decimal.Zero, err, time.Now())
	}
	return e.fill(ctx, p, price)
}

func (e *Engine) referencePrice(ctx context.Context, code string) (decimal.Decimal, error) {
	if t, ok := e.prices.Latest(code); ok && t.Price.IsPositive() {
		return t.Price, nil
	}
	if e.quotes == nil {
		return decimal.Zero, model.ErrNoReferencePrice
	}
	price, err := e.quotes.Quote(ctx, code)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", model.ErrNoReferencePrice, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, model.ErrNoReferencePrice
	}
	return price, nil
}

// --- LIMIT / CONDITIONAL ---

// Watch indexes a pending proposal and subscribes its instrument. If the
// latest known price already satisfies it, it fires right away. It takes no
// team lock, so the proposal engine calls it while holding one.
func (e *Engine) Watch(p *model.Proposal) {
	w, ok := watchFor(p)
	if !ok {
		return
	}
	if !e.index.add(w) {
		return
	}
	e.prices.Interest(w.code)
	metrics.PendingWatches.Inc()
	slog.Info("watching pending proposal", "team", p.TeamID, "proposal", p.ID,
		"code", w.code, "threshold", w.threshold, "rises_above", w.risesAbove)

	if t, ok := e.prices.Latest(w.code); ok {
		e.HandleTick(t)
	}
}

// Unwatch drops a proposal from the trigger index.
func (e *Engine) Unwatch(p *model.Proposal) {
	if w, ok := e.index.remove(p.ID); ok {
		e.prices.Release(w.code)
		metrics.PendingWatches.Dec()
	}
}

// HandleTick fires every watch the tick satisfies. It only touches the
// index and never blocks on a fill, so callers may hold a team lock; fills
// run on the team's worker.
func (e *Engine) HandleTick(t model.Tick) {
	fired := e.index.fire(t.Code, t.Price)
	for _, w := range fired {
		e.prices.Release(w.code)
		metrics.PendingWatches.Dec()
		metrics.TriggersFired.Inc()

		ok := e.pool.submit(w.teamID, func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.FillTimeout)
			defer cancel()
			if err := e.trigger(ctx, w, t); err != nil {
				slog.Error("triggered fill failed", "team", w.teamID, "proposal", w.proposalID, "err", err)
			}
		})
		if !ok {
			// Still pending in the store; Restore re-arms it on the next start.
			slog.Warn("trigger after shutdown dropped", "team", w.teamID, "proposal", w.proposalID)
		}
	}
}

// trigger claims a pending proposal and fills it. The claim is the
// pending → executing transition under the team lock, so of two ticks
// racing for the same proposal only one gets past it.
func (e *Engine) trigger(ctx context.Context, w watch, t model.Tick) error {
	unlock := e.locks.Lock(w.teamID)
	p, err := e.store.GetProposal(ctx, w.proposalID)
	if err != nil {
		unlock()
		return err
	}
	if p.Status != model.StatusPending {
		unlock()
		slog.Debug("trigger dropped, proposal no longer pending", "proposal", p.ID, "status", p.Status)
		return nil
	}
	now := e.now()
	if !now.Before(p.ExpiresAt) {
		p.MustTransition(model.StatusExpired)
		p.UpdatedAt = now
		err := e.store.UpdateProposal(ctx, p)
		unlock()
		if err == nil {
			metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
			e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
		}
		return err
	}

	p.MustTransition(model.StatusExecuting)
	p.UpdatedAt = now
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		unlock()
		return fmt.Errorf("claim proposal: %w", err)
	}
	metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
	unlock()

	// LIMIT guarantees its price; CONDITIONAL executes at the market.
	price := t.Price
	if p.Strategy == model.StrategyLimit {
		price = p.LimitPrice
	}
	_, err = e.fill(ctx, p, price)
	return err
}

// --- Fill and finalize ---

func (e *Engine) fill(ctx context.Context, p *model.Proposal, price decimal.Decimal) (*model.Proposal, error) {
	started := time.Now()
	_, err := e.ledger.ApplyFill(ctx, ledger.Fill{
		TeamID:   p.TeamID,
		Side:     p.Side,
		Code:     p.InstrumentCode,
		Quantity: p.Quantity,
		Price:    price,
	})
	return e.settle(ctx, p, price, err, started)
}

// settle moves an executing proposal to executed or rejected according to
// the fill outcome and announces it in chat.
func (e *Engine) settle(ctx context.Context, claimed *model.Proposal, price decimal.Decimal, fillErr error, started time.Time) (*model.Proposal, error) {
	unlock := e.locks.Lock(claimed.TeamID)
	p, err := e.store.GetProposal(ctx, claimed.ID)
	if err != nil {
		unlock()
		return nil, err
	}
	if p.Status != model.StatusExecuting {
		unlock()
		panic(fmt.Sprintf("execution: settling proposal %s in status %s", p.ID, p.Status))
	}

	now := e.now()
	outcome := "executed"
	if fillErr == nil {
		p.MustTransition(model.StatusExecuted)
		p.ExecutionPrice = price
		p.ExecutedAt = &now
	} else {
		outcome = "rejected"
		p.MustTransition(model.StatusRejected)
		p.FailureReason = failureReason(fillErr)
	}
	p.UpdatedAt = now
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		unlock()
		return nil, fmt.Errorf("finalize proposal: %w", err)
	}
	metrics.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
	metrics.FillsTotal.WithLabelValues(string(p.Strategy), outcome).Inc()
	metrics.FillLatency.WithLabelValues(string(p.Strategy)).Observe(time.Since(started).Seconds())
	e.notify.Publish(p.TeamID, model.Event{Type: model.EventProposalStatus, TeamID: p.TeamID, Proposal: p.Clone()})
	unlock()

	if fillErr == nil {
		slog.Info("proposal executed", "team", p.TeamID, "proposal", p.ID,
			"side", p.Side, "code", p.InstrumentCode, "qty", p.Quantity, "price", price)
	} else {
		slog.Warn("proposal fill rejected", "team", p.TeamID, "proposal", p.ID, "reason", p.FailureReason)
	}

	if err := e.notify.Broadcast(ctx, p.TeamID, executionNotice(p)); err != nil {
		slog.Error("execution notice not posted", "team", p.TeamID, "proposal", p.ID, "err", err)
	}
	return p, nil
}

func failureReason(err error) string {
	if model.KindOf(err) != 0 || errors.Is(err, errInterrupted) {
		return err.Error()
	}
	return "fill failed: " + err.Error()
}

func executionNotice(p *model.Proposal) *model.Message {
	n := &model.ExecutionNotice{
		ProposalID:     p.ID,
		Action:         p.Side,
		StockName:      p.DisplayName(),
		Code:           p.InstrumentCode,
		Quantity:       p.Quantity,
		ExecutionPrice: p.ExecutionPrice,
		Success:        p.Status == model.StatusExecuted,
		Reason:         p.FailureReason,
	}
	text := fmt.Sprintf("Executed: %s %d × %s at %s", p.Side, p.Quantity, p.DisplayName(), p.ExecutionPrice)
	if !n.Success {
		text = fmt.Sprintf("Not executed: %s %d × %s (%s)", p.Side, p.Quantity, p.DisplayName(), p.FailureReason)
	}
	return &model.Message{
		ID:         uuid.New().String(),
		TeamID:     p.TeamID,
		Kind:       model.MessageExecution,
		Text:       text,
		ProposalID: p.ID,
		Execution:  n,
	}
}

// --- Startup ---

// Restore re-arms proposals left mid-flight by a previous process: pending
// ones are watched again, passed ones are driven forward, and executing ones
// are rejected since their fill outcome is unknown.
func (e *Engine) Restore(ctx context.Context) error {
	ps, err := e.store.ListProposalsByStatus(ctx, model.StatusPassed, model.StatusPending, model.StatusExecuting)
	if err != nil {
		return fmt.Errorf("list in-flight proposals: %w", err)
	}

	var market []string
	for i := range ps {
		p := &ps[i]
		switch p.Status {
		case model.StatusPending:
			e.Watch(p)
		case model.StatusPassed:
			next, err := e.advancePassed(ctx, p)
			if err != nil {
				return err
			}
			if next == nil {
				continue
			}
			if next.Status == model.StatusPending {
				e.Watch(next)
			} else {
				market = append(market, next.ID)
			}
		case model.StatusExecuting:
			slog.Warn("rejecting fill interrupted by restart", "team", p.TeamID, "proposal", p.ID)
			if _, err := e.settle(ctx, p, decimal.Zero, errInterrupted, time.Now()); err != nil {
				return err
			}
		}
	}
	for _, id := range market {
		p, err := e.store.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if _, err := e.ExecuteMarket(ctx, p); err != nil {
			return err
		}
	}
	slog.Info("execution engine restored", "proposals", len(ps), "watching", e.index.len())
	return nil
}

var errInterrupted = errors.New("fill interrupted by a restart; please propose again")

// advancePassed moves a passed proposal to executing or pending under the
// team lock. It returns nil if someone else already moved it.
func (e *Engine) advancePassed(ctx context.Context, stale *model.Proposal) (*model.Proposal, error) {
	unlock := e.locks.Lock(stale.TeamID)
	defer unlock()

	p, err := e.store.GetProposal(ctx, stale.ID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusPassed {
		return nil, nil
	}
	if p.Strategy == model.StrategyMarket {
		p.MustTransition(model.StatusExecuting)
	} else {
		p.MustTransition(model.StatusPending)
	}
	p.UpdatedAt = e.now()
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
