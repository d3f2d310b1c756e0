// Package quote looks up reference prices from the market-data HTTP API.
// MARKET fills use it when the price feed has not delivered a tick yet.
package quote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/teamfolio/trade-engine/internal/model"
)

// Quote is the provider's snapshot of one instrument.
type Quote struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
}

// Client calls GET {base}/quotes/{code}.
type Client struct {
	client *resty.Client
}

// NewClient creates a quote client with a per-request timeout and a couple
// of retries for transient failures.
func NewClient(baseURL string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(200 * time.Millisecond)
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}
}

// Lookup fetches the full quote for code.
func (c *Client) Lookup(ctx context.Context, code string) (*Quote, error) {
	var q Quote
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("code", code).
		SetResult(&q).
		Get("/quotes/{code}")
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", code, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", model.ErrNoReferencePrice, code)
	case resp.IsError():
		return nil, fmt.Errorf("quote %s: status %d", code, resp.StatusCode())
	}
	return &q, nil
}

// Quote returns the current price of code.
func (c *Client) Quote(ctx context.Context, code string) (decimal.Decimal, error) {
	q, err := c.Lookup(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s quoted at %s", model.ErrNoReferencePrice, code, q.Price)
	}
	return q.Price, nil
}
