// Package ledger owns a team's cash and holdings. ApplyFill is the only
// mutator of ledger state, and it serializes per team.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/keylock"
	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/store"
)

// PriceSource supplies the latest known price used to mark holdings.
type PriceSource interface {
	Latest(code string) (model.Tick, bool)
}

// Fill is one committed trade against a team's ledger.
type Fill struct {
	TeamID   string
	Side     model.Side
	Code     string
	Quantity int64
	Price    decimal.Decimal
}

// Cost is quantity × price.
func (f Fill) Cost() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// HoldingView is one holding marked to market.
type HoldingView struct {
	Code                 string          `json:"code"`
	Quantity             int64           `json:"quantity"`
	AveragePrice         decimal.Decimal `json:"average_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	ProfitLoss           decimal.Decimal `json:"profit_loss"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
}

// View is the read model of a team ledger.
type View struct {
	TeamID               string          `json:"team_id"`
	TotalValue           decimal.Decimal `json:"total_value"`
	InvestmentAmount     decimal.Decimal `json:"investment_amount"`
	CashAvailable        decimal.Decimal `json:"cash_available"`
	ProfitLoss           decimal.Decimal `json:"profit_loss"`
	ProfitLossPercentage decimal.Decimal `json:"profit_loss_percentage"`
	Holdings             []HoldingView   `json:"holdings"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Service reads and mutates team ledgers.
type Service struct {
	store  store.Store
	prices PriceSource
	locks  *keylock.Map
	now    func() time.Time
}

// NewService creates a ledger service. prices may be nil, in which case
// holdings are marked at their average price.
func NewService(st store.Store, prices PriceSource) *Service {
	return &Service{
		store:  st,
		prices: prices,
		locks:  keylock.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open builds the opening ledger for a new team: all capital in cash, no
// holdings.
func Open(teamID string, capital decimal.Decimal, at time.Time) *model.Ledger {
	return &model.Ledger{
		TeamID:           teamID,
		Cash:             capital,
		InvestmentAmount: capital,
		Holdings:         make(map[string]*model.Holding),
		UpdatedAt:        at,
	}
}

// Snapshot returns the team's ledger marked to the latest prices.
func (s *Service) Snapshot(ctx context.Context, teamID string) (*View, error) {
	l, err := s.store.GetLedger(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return s.view(l), nil
}

// ApplyFill commits a fill. A buy needs enough cash for quantity × price;
// a sell needs enough units held. Buys update the weighted-average cost;
// sells leave the average unchanged and drop the holding at zero.
func (s *Service) ApplyFill(ctx context.Context, f Fill) (*View, error) {
	if f.Quantity < 1 {
		return nil, model.ErrQuantityInvalid
	}
	if !f.Price.IsPositive() {
		return nil, &model.ValidationError{Field: "price", Message: "fill price must be positive"}
	}
	if !f.Side.Valid() {
		return nil, model.ErrInvalidSide
	}

	unlock := s.locks.Lock(f.TeamID)
	defer unlock()

	// A cached copy may predate the previous fill.
	l, err := s.store.GetLedgerForUpdate(ctx, f.TeamID)
	if err != nil {
		return nil, err
	}

	cost := f.Cost()
	qty := decimal.NewFromInt(f.Quantity)
	switch f.Side {
	case model.SideBuy:
		if cost.GreaterThan(l.Cash) {
			return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientCash, cost, l.Cash)
		}
		h, ok := l.Holdings[f.Code]
		if !ok {
			h = &model.Holding{Code: f.Code, AveragePrice: decimal.Zero}
			l.Holdings[f.Code] = h
		}
		held := decimal.NewFromInt(h.Quantity)
		h.AveragePrice = held.Mul(h.AveragePrice).Add(cost).
			DivRound(held.Add(qty), 4)
		h.Quantity += f.Quantity
		l.Cash = l.Cash.Sub(cost)

	case model.SideSell:
		var held int64
		if h, ok := l.Holdings[f.Code]; ok {
			held = h.Quantity
		}
		if f.Quantity > held {
			return nil, fmt.Errorf("%w: selling %d of %s, holding %d", model.ErrInsufficientHoldings, f.Quantity, f.Code, held)
		}
		h := l.Holdings[f.Code]
		h.Quantity -= f.Quantity
		if h.Quantity == 0 {
			delete(l.Holdings, f.Code)
		}
		l.Cash = l.Cash.Add(cost)
	}

	if l.Cash.IsNegative() {
		panic(fmt.Sprintf("ledger: negative cash %s for team %s after %s %d %s", l.Cash, f.TeamID, f.Side, f.Quantity, f.Code))
	}
	l.UpdatedAt = s.now()

	if err := s.store.SaveLedger(ctx, l); err != nil {
		return nil, fmt.Errorf("save ledger: %w", err)
	}
	return s.view(l), nil
}

func (s *Service) mark(code string, avg decimal.Decimal) decimal.Decimal {
	if s.prices == nil {
		return avg
	}
	if t, ok := s.prices.Latest(code); ok && t.Price.IsPositive() {
		return t.Price
	}
	return avg
}

func (s *Service) view(l *model.Ledger) *View {
	v := &View{
		TeamID:           l.TeamID,
		InvestmentAmount: l.InvestmentAmount,
		CashAvailable:    l.Cash,
		Holdings:         make([]HoldingView, 0, len(l.Holdings)),
		UpdatedAt:        l.UpdatedAt,
	}

	total := l.Cash
	for _, h := range l.Holdings {
		qty := decimal.NewFromInt(h.Quantity)
		price := s.mark(h.Code, h.AveragePrice)
		value := price.Mul(qty)
		basis := h.AveragePrice.Mul(qty)
		v.Holdings = append(v.Holdings, HoldingView{
			Code:                 h.Code,
			Quantity:             h.Quantity,
			AveragePrice:         h.AveragePrice,
			CurrentPrice:         price,
			CurrentValue:         value,
			ProfitLoss:           value.Sub(basis),
			ProfitLossPercentage: percent(value.Sub(basis), basis),
		})
		total = total.Add(value)
	}
	sort.Slice(v.Holdings, func(i, j int) bool { return v.Holdings[i].Code < v.Holdings[j].Code })

	v.TotalValue = total
	v.ProfitLoss = total.Sub(l.InvestmentAmount)
	v.ProfitLossPercentage = percent(v.ProfitLoss, l.InvestmentAmount)
	return v
}

var hundred = decimal.NewFromInt(100)

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, 2)
}
