package execution

import (
	"sort"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
)

func pending(id string, side model.Side, strategy model.Strategy, price int64, dir model.Direction) *model.Proposal {
	p := &model.Proposal{ID: id, TeamID: "team-1", InstrumentCode: "005930", Side: side, Strategy: strategy}
	switch strategy {
	case model.StrategyLimit:
		p.LimitPrice = decimal.NewFromInt(price)
	case model.StrategyConditional:
		p.TriggerPrice = decimal.NewFromInt(price)
		p.TriggerDirection = dir
	}
	return p
}

func ids(ws []watch) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.proposalID
	}
	sort.Strings(out)
	return out
}

func mustAdd(t *testing.T, ix *triggerIndex, p *model.Proposal) {
	t.Helper()
	w, ok := watchFor(p)
	if !ok {
		t.Fatalf("no watch for %s", p.ID)
	}
	if !ix.add(w) {
		t.Fatalf("%s already indexed", p.ID)
	}
}

func TestWatchFor(t *testing.T) {
	tests := []struct {
		name       string
		p          *model.Proposal
		risesAbove bool
		threshold  int64
	}{
		{"buy limit waits for a drop", pending("a", model.SideBuy, model.StrategyLimit, 500, ""), false, 500},
		{"sell limit waits for a rise", pending("b", model.SideSell, model.StrategyLimit, 700, ""), true, 700},
		{"conditional above", pending("c", model.SideBuy, model.StrategyConditional, 1000, model.DirectionAbove), true, 1000},
		{"conditional below", pending("d", model.SideSell, model.StrategyConditional, 900, model.DirectionBelow), false, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := watchFor(tt.p)
			if !ok {
				t.Fatal("expected a watch")
			}
			if w.risesAbove != tt.risesAbove || !w.threshold.Equal(decimal.NewFromInt(tt.threshold)) {
				t.Errorf("got risesAbove=%v threshold=%s", w.risesAbove, w.threshold)
			}
		})
	}

	if _, ok := watchFor(pending("m", model.SideBuy, model.StrategyMarket, 0, "")); ok {
		t.Error("MARKET proposals have no trigger")
	}
}

func TestTriggerIndex_FiresOnlySatisfiedWatches(t *testing.T) {
	ix := newTriggerIndex()
	mustAdd(t, ix, pending("buy-500", model.SideBuy, model.StrategyLimit, 500, ""))
	mustAdd(t, ix, pending("buy-450", model.SideBuy, model.StrategyLimit, 450, ""))
	mustAdd(t, ix, pending("sell-700", model.SideSell, model.StrategyLimit, 700, ""))
	mustAdd(t, ix, pending("above-600", model.SideBuy, model.StrategyConditional, 600, model.DirectionAbove))

	if fired := ix.fire("005930", decimal.NewFromInt(550)); len(fired) != 0 {
		t.Fatalf("550 triggers nothing, fired %v", ids(fired))
	}

	fired := ix.fire("005930", decimal.NewFromInt(500))
	if got := ids(fired); len(got) != 1 || got[0] != "buy-500" {
		t.Fatalf("500 should fire buy-500 at its limit, got %v", got)
	}

	fired = ix.fire("005930", decimal.NewFromInt(700))
	if got := ids(fired); len(got) != 2 || got[0] != "above-600" || got[1] != "sell-700" {
		t.Fatalf("700 should fire above-600 and sell-700, got %v", got)
	}

	if ix.len() != 1 {
		t.Errorf("expected buy-450 to remain, index has %d", ix.len())
	}
	if fired := ix.fire("005930", decimal.NewFromInt(700)); len(fired) != 0 {
		t.Errorf("fired watches must be gone, got %v", ids(fired))
	}
	if fired := ix.fire("000660", decimal.NewFromInt(1)); len(fired) != 0 {
		t.Errorf("other instrument fired %v", ids(fired))
	}
}

func TestTriggerIndex_EqualThresholdsAreDistinct(t *testing.T) {
	ix := newTriggerIndex()
	mustAdd(t, ix, pending("x", model.SideBuy, model.StrategyLimit, 500, ""))
	mustAdd(t, ix, pending("y", model.SideBuy, model.StrategyLimit, 500, ""))

	if got := ids(ix.fire("005930", decimal.NewFromInt(400))); len(got) != 2 {
		t.Errorf("expected both watches to fire, got %v", got)
	}
}

func TestTriggerIndex_AddRemove(t *testing.T) {
	ix := newTriggerIndex()
	p := pending("p", model.SideBuy, model.StrategyLimit, 500, "")
	mustAdd(t, ix, p)

	w, _ := watchFor(p)
	if ix.add(w) {
		t.Error("second add of the same proposal should be refused")
	}
	if _, ok := ix.remove("p"); !ok {
		t.Fatal("expected remove to find the watch")
	}
	if _, ok := ix.remove("p"); ok {
		t.Error("second remove should find nothing")
	}
	if len(ix.books) != 0 {
		t.Errorf("empty book not dropped: %d books", len(ix.books))
	}
	if fired := ix.fire("005930", decimal.NewFromInt(100)); len(fired) != 0 {
		t.Errorf("removed watch fired: %v", ids(fired))
	}
}
