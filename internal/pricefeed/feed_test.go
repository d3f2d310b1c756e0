package pricefeed_test

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
	"github.com/teamfolio/trade-engine/internal/pricefeed"
)

func tick(code string, price int64, at time.Time) model.Tick {
	return model.Tick{Code: code, Price: decimal.NewFromInt(price), Timestamp: at}
}

func TestFeed_LatestAndOutOfOrder(t *testing.T) {
	f := pricefeed.NewFeed()
	now := time.Now().UTC()

	if _, ok := f.Latest("005930"); ok {
		t.Fatal("expected no price before first tick")
	}

	f.Publish(tick("005930", 1000, now))
	f.Publish(tick("005930", 900, now.Add(-time.Second)))

	got, ok := f.Latest("005930")
	if !ok {
		t.Fatal("expected a price")
	}
	if !got.Price.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("stale tick moved the price to %s", got.Price)
	}

	f.Publish(tick("005930", 1100, now.Add(time.Second)))
	got, _ = f.Latest("005930")
	if !got.Price.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("expected 1100, got %s", got.Price)
	}
}

func TestFeed_HandlersSeeEveryTick(t *testing.T) {
	f := pricefeed.NewFeed()
	var mu sync.Mutex
	var seen []string
	f.OnTick(func(t model.Tick) {
		mu.Lock()
		seen = append(seen, t.Price.String())
		mu.Unlock()
	})

	now := time.Now()
	for i := int64(1); i <= 100; i++ {
		f.Publish(tick("000660", i, now.Add(time.Duration(i)*time.Millisecond)))
	}
	if len(seen) != 100 {
		t.Errorf("expected 100 ticks, handler saw %d", len(seen))
	}
}

func TestFeed_SlowSubscriberDrops(t *testing.T) {
	f := pricefeed.NewFeed()
	id, ch := f.Subscribe(2)

	now := time.Now()
	for i := int64(1); i <= 5; i++ {
		f.Publish(tick("005930", i, now.Add(time.Duration(i)*time.Millisecond)))
	}
	if len(ch) != 2 {
		t.Errorf("expected buffer of 2 filled, got %d", len(ch))
	}

	f.Unsubscribe(id)
	for range ch {
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	f.Publish(tick("005930", 9, now.Add(time.Second)))
}

func TestFeed_InterestRefcount(t *testing.T) {
	f := pricefeed.NewFeed()
	var added [][]string
	f.WatchInterest(func(codes []string) { added = append(added, codes) })

	f.Interest("005930", "000660")
	f.Interest("005930")

	if want := [][]string{{"005930", "000660"}}; !reflect.DeepEqual(added, want) {
		t.Errorf("expected watcher calls %v, got %v", want, added)
	}
	if got := f.Interested(); !reflect.DeepEqual(got, []string{"000660", "005930"}) {
		t.Errorf("unexpected interest %v", got)
	}

	f.Release("005930")
	f.Release("000660")
	if got := f.Interested(); !reflect.DeepEqual(got, []string{"005930"}) {
		t.Errorf("expected only 005930 to remain, got %v", got)
	}

	f.Release("005930")
	if got := f.Interested(); len(got) != 0 {
		t.Errorf("expected no interest, got %v", got)
	}
}
