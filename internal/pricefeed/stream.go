package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/instrument"
	"github.com/teamfolio/trade-engine/internal/metrics"
	"github.com/teamfolio/trade-engine/internal/model"
)

// controlFrame is sent upstream to change the subscription set.
type controlFrame struct {
	Type  string   `json:"type"` // "subscribe" or "unsubscribe"
	Codes []string `json:"codes"`
}

// tickFrame is one quote as delivered by the market-data provider. Prices
// may arrive as JSON numbers or strings; decimal accepts both.
type tickFrame struct {
	Type       string          `json:"type"`
	Code       string          `json:"code"`
	Price      decimal.Decimal `json:"price"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
	Timestamp  int64           `json:"timestamp"` // unix milliseconds
}

// Stream keeps a WebSocket connection to the upstream market-data push
// channel, publishing every tick into a Feed. It reconnects with exponential
// backoff and re-subscribes all interesting instruments on each connect.
type Stream struct {
	url    string
	feed   *Feed
	dialer *websocket.Dialer
	log    *slog.Logger

	// minStable is how long a session must last before the backoff resets.
	minStable time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewStream creates a stream client for url feeding f.
func NewStream(url string, f *Feed, log *slog.Logger) *Stream {
	s := &Stream{
		url:       url,
		feed:      f,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       log,
		minStable: 30 * time.Second,
	}
	f.WatchInterest(s.subscribe)
	return s
}

// newBackOff retries forever, capped at 30s between attempts.
func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Run connects and reads until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	bo := newBackOff()
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= s.minStable {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		metrics.FeedReconnects.Inc()
		s.log.Warn("price feed disconnected, reconnecting", "err", err, "in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails.
func (s *Stream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if codes := s.feed.Interested(); len(codes) > 0 {
		if err := s.send(controlFrame{Type: "subscribe", Codes: codes}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	s.log.Info("price feed connected", "url", s.url, "instruments", len(s.feed.Interested()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ticks, err := decodeFrames(data)
		if err != nil {
			s.log.Warn("dropping malformed price frame", "err", err)
			continue
		}
		for _, t := range ticks {
			s.feed.Publish(t)
		}
	}
}

// subscribe extends the upstream subscription while connected. When
// disconnected the next session subscribes everything anyway.
func (s *Stream) subscribe(codes []string) {
	if err := s.send(controlFrame{Type: "subscribe", Codes: codes}); err != nil {
		s.log.Debug("deferred upstream subscribe", "codes", codes, "err", err)
	}
}

var errNotConnected = errors.New("pricefeed: not connected")

func (s *Stream) send(frame controlFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(frame)
}

// decodeFrames accepts a single tick object or an array of them and returns
// normalized ticks. Non-tick frames (acks, heartbeats) yield nothing.
func decodeFrames(data []byte) ([]model.Tick, error) {
	data = bytes.TrimSpace(data)
	var frames []tickFrame
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &frames); err != nil {
			return nil, err
		}
	} else {
		var f tickFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		frames = []tickFrame{f}
	}

	ticks := make([]model.Tick, 0, len(frames))
	for _, f := range frames {
		if f.Type != "" && f.Type != "tick" {
			continue
		}
		code, err := instrument.Normalize(f.Code)
		if err != nil {
			return nil, err
		}
		if !f.Price.IsPositive() {
			return nil, fmt.Errorf("non-positive price %s for %s", f.Price, code)
		}
		ts := time.Now().UTC()
		if f.Timestamp > 0 {
			ts = time.UnixMilli(f.Timestamp).UTC()
		}
		ticks = append(ticks, model.Tick{
			Code:       code,
			Price:      f.Price,
			Change:     f.Change,
			ChangeRate: f.ChangeRate,
			Timestamp:  ts,
		})
	}
	return ticks, nil
}
