// Package pricefeed ingests the upstream real-time quote stream and
// republishes normalized ticks to in-process consumers and display clients.
package pricefeed

import (
	"sort"
	"sync"

	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/model"
)

// Handler is invoked synchronously for every published tick. Handlers must
// not block; the trigger evaluator only indexes and enqueues.
type Handler func(model.Tick)

// Feed holds the latest tick per instrument, the set of instruments anyone
// is interested in, and the subscribers. Only the upstream Stream (or tests)
// publish; everything else reads.
type Feed struct {
	mu     sync.RWMutex
	latest map[string]model.Tick

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan model.Tick
	handlers  []Handler

	interestMu sync.Mutex
	interest   map[string]int // code → refcount
	watchers   []func(added []string)
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		latest:   make(map[string]model.Tick),
		subs:     make(map[int]chan model.Tick),
		interest: make(map[string]int),
	}
}

// Publish records t as the latest price of its instrument and fans it out.
// Ticks older than the recorded one are ignored so reordered frames cannot
// move the price backwards.
func (f *Feed) Publish(t model.Tick) {
	f.mu.Lock()
	if prev, ok := f.latest[t.Code]; ok && !t.Timestamp.IsZero() && t.Timestamp.Before(prev.Timestamp) {
		f.mu.Unlock()
		return
	}
	f.latest[t.Code] = t
	f.mu.Unlock()

	metrics.TicksTotal.Inc()

	f.subsMu.Lock()
	handlers := f.handlers
	for _, ch := range f.subs {
		select {
		case ch <- t:
		default:
			// Slow display subscriber; it will catch up on the next tick.
			metrics.TicksDropped.Inc()
		}
	}
	f.subsMu.Unlock()

	for _, h := range handlers {
		h(t)
	}
}

// Latest returns the most recent tick for code.
func (f *Feed) Latest(code string) (model.Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.latest[code]
	return t, ok
}

// OnTick registers a synchronous handler. Handlers are never dropped.
func (f *Feed) OnTick(h Handler) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	f.handlers = append(append([]Handler(nil), f.handlers...), h)
}

// Subscribe creates a new buffered subscription channel. Ticks are dropped
// for a subscriber whose buffer is full.
func (f *Feed) Subscribe(bufSize int) (id int, ch <-chan model.Tick) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id = f.nextSubID
	f.nextSubID++
	c := make(chan model.Tick, bufSize)
	f.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(id int) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

// Interest registers interest in codes. Watchers are told about codes that
// had no interest before, so the upstream subscription can be extended.
func (f *Feed) Interest(codes ...string) {
	f.interestMu.Lock()
	var added []string
	for _, c := range codes {
		if f.interest[c] == 0 {
			added = append(added, c)
		}
		f.interest[c]++
	}
	watchers := f.watchers
	f.interestMu.Unlock()

	if len(added) == 0 {
		return
	}
	for _, w := range watchers {
		w(added)
	}
}

// Release drops one unit of interest in each code.
func (f *Feed) Release(codes ...string) {
	f.interestMu.Lock()
	defer f.interestMu.Unlock()
	for _, c := range codes {
		if f.interest[c] <= 1 {
			delete(f.interest, c)
			continue
		}
		f.interest[c]--
	}
}

// Interested returns every code with outstanding interest, sorted.
func (f *Feed) Interested() []string {
	f.interestMu.Lock()
	defer f.interestMu.Unlock()
	codes := make([]string, 0, len(f.interest))
	for c := range f.interest {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// WatchInterest registers fn to be called with newly interesting codes.
func (f *Feed) WatchInterest(fn func(added []string)) {
	f.interestMu.Lock()
	defer f.interestMu.Unlock()
	f.watchers = append(append(([]func([]string))(nil), f.watchers...), fn)
}
