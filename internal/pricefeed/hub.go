package pricefeed

import (
	"context"
	"net/http"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/wshub"
)

// TickMessage is the JSON frame pushed to display clients.
type TickMessage struct {
	Type string     `json:"type"`
	Tick model.Tick `json:"tick"`
}

// Hub is the per-instrument push channel for display clients. It is
// distinct from the trigger evaluation path: display clients read from a
// lossy subscription, while the execution engine registers an OnTick
// handler on the Feed.
type Hub struct {
	feed *Feed
	ws   *wshub.Hub
}

// NewHub creates a price hub. Instrument interest follows client presence,
// so upstream only streams instruments somebody is looking at.
func NewHub(f *Feed) *Hub {
	ws := wshub.New("prices")
	ws.OnFirstJoin = func(code string) { f.Interest(code) }
	ws.OnLastLeave = func(code string) { f.Release(code) }
	return &Hub{feed: f, ws: ws}
}

// Run forwards ticks to connected clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	id, ticks := h.feed.Subscribe(1024)
	defer h.feed.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			h.ws.Broadcast(t.Code, TickMessage{Type: "tick", Tick: t})
		}
	}
}

// Serve attaches a client watching codes. The latest known tick of each code
// is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, codes []string) {
	var greeting []any
	for _, c := range codes {
		if t, ok := h.feed.Latest(c); ok {
			greeting = append(greeting, TickMessage{Type: "tick", Tick: t})
		}
	}
	h.ws.Serve(w, r, codes, greeting...)
}

// Clients returns the number of display clients watching code.
func (h *Hub) Clients(code string) int { return h.ws.Clients(code) }
