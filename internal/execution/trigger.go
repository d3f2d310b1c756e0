package execution

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
)

// watch is one pending proposal waiting for its price condition.
type watch struct {
	threshold  decimal.Decimal
	proposalID string
	teamID     string
	code       string
	risesAbove bool
}

// watchLess orders by threshold, then proposal id so equal thresholds stay
// distinct entries.
func watchLess(a, b watch) bool {
	if c := a.threshold.Cmp(b.threshold); c != 0 {
		return c < 0
	}
	return a.proposalID < b.proposalID
}

// book holds the watches of one instrument.
type book struct {
	// risesAbove fires when price ≥ threshold: sell LIMIT, CONDITIONAL ABOVE.
	risesAbove *btree.BTreeG[watch]
	// fallsBelow fires when price ≤ threshold: buy LIMIT, CONDITIONAL BELOW.
	fallsBelow *btree.BTreeG[watch]
}

func newBook() *book {
	const degree = 16
	return &book{
		risesAbove: btree.NewG[watch](degree, watchLess),
		fallsBelow: btree.NewG[watch](degree, watchLess),
	}
}

func (b *book) empty() bool {
	return b.risesAbove.Len() == 0 && b.fallsBelow.Len() == 0
}

// triggerIndex maps instrument → ordered watches, so a tick only visits the
// watches it actually triggers. It has its own mutex and never takes a team
// lock.
type triggerIndex struct {
	mu    sync.Mutex
	books map[string]*book
	byID  map[string]watch
}

func newTriggerIndex() *triggerIndex {
	return &triggerIndex{
		books: make(map[string]*book),
		byID:  make(map[string]watch),
	}
}

// watchFor derives the trigger of a pending proposal.
func watchFor(p *model.Proposal) (watch, bool) {
	w := watch{proposalID: p.ID, teamID: p.TeamID, code: p.InstrumentCode}
	switch p.Strategy {
	case model.StrategyLimit:
		w.threshold = p.LimitPrice
		w.risesAbove = p.Side == model.SideSell
	case model.StrategyConditional:
		w.threshold = p.TriggerPrice
		w.risesAbove = p.TriggerDirection == model.DirectionAbove
	default:
		return watch{}, false
	}
	return w, true
}

// add registers w. It reports false if the proposal is already indexed.
func (ix *triggerIndex) add(w watch) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byID[w.proposalID]; ok {
		return false
	}
	b, ok := ix.books[w.code]
	if !ok {
		b = newBook()
		ix.books[w.code] = b
	}
	if w.risesAbove {
		b.risesAbove.ReplaceOrInsert(w)
	} else {
		b.fallsBelow.ReplaceOrInsert(w)
	}
	ix.byID[w.proposalID] = w
	return true
}

// remove drops a proposal's watch. It reports whether one was indexed.
func (ix *triggerIndex) remove(proposalID string) (watch, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	w, ok := ix.byID[proposalID]
	if !ok {
		return watch{}, false
	}
	ix.removeLocked(w)
	return w, true
}

func (ix *triggerIndex) removeLocked(w watch) {
	delete(ix.byID, w.proposalID)
	b := ix.books[w.code]
	if b == nil {
		return
	}
	if w.risesAbove {
		b.risesAbove.Delete(w)
	} else {
		b.fallsBelow.Delete(w)
	}
	if b.empty() {
		delete(ix.books, w.code)
	}
}

// fire removes and returns every watch on code triggered by price.
func (ix *triggerIndex) fire(code string, price decimal.Decimal) []watch {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b, ok := ix.books[code]
	if !ok {
		return nil
	}

	var fired []watch
	// Thresholds at or below the price.
	b.risesAbove.Ascend(func(w watch) bool {
		if w.threshold.GreaterThan(price) {
			return false
		}
		fired = append(fired, w)
		return true
	})
	// Thresholds at or above the price.
	b.fallsBelow.Descend(func(w watch) bool {
		if w.threshold.LessThan(price) {
			return false
		}
		fired = append(fired, w)
		return true
	})

	for _, w := range fired {
		ix.removeLocked(w)
	}
	return fired
}

func (ix *triggerIndex) len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byID)
}
