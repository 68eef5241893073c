// Package marketrest implements the public REST endpoints this service
// polls: depth snapshots (book resync), open interest, and top
// long/short account ratio (spec.md §4.5, §6).
//
// Generalizes the teacher's internal/exchange/client.go — same resty
// client construction (base URL, timeout, retry-on-5xx), same
// rate-limited Wait-before-call pattern — from CLOB trading endpoints
// to public market-data endpoints. There is no auth here: every
// endpoint this service calls is public, per spec.md's non-goals
// (no authenticated endpoints, no order management).
package marketrest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketdata-ingestor/internal/orderbook"
	"marketdata-ingestor/internal/ratelimit"
)

// Client is the REST client for a single exchange's public market-data
// endpoints.
type Client struct {
	http *resty.Client
	rl   *ratelimit.TokenBucket
}

// NewClient builds a REST client against baseURL, rate-limited to
// requestsPerSecond with the given burst capacity.
func NewClient(baseURL string, burst, requestsPerSecond float64) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http: httpClient,
		rl:   ratelimit.NewTokenBucket(burst, requestsPerSecond),
	}
}

type depthLevel [2]string

type depthResponse struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []depthLevel `json:"bids"`
	Asks         []depthLevel `json:"asks"`
}

// GetDepthSnapshot fetches a REST order-book snapshot for symbol at
// the given depth limit, used both for initial book bootstrap and for
// resync after a sequence gap.
func (c *Client) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return orderbook.Snapshot{}, err
	}

	var result depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&result).
		Get("/depth")
	if err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return orderbook.Snapshot{}, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}

	return orderbook.Snapshot{
		LastUpdateID: result.LastUpdateID,
		Bids:         toLevels(result.Bids),
		Asks:         toLevels(result.Asks),
	}, nil
}

func toLevels(raw []depthLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			continue
		}
		out = append(out, orderbook.Level{Price: price, Qty: qty})
	}
	return out
}

// OpenInterest is the current open-interest figure for one symbol.
type OpenInterest struct {
	Symbol       string
	Value        decimal.Decimal
	ObservedAtNs int64
}

type openInterestResponse struct {
	Symbol string `json:"symbol"`
	OI     string `json:"openInterest"`
}

// GetOpenInterest polls the open-interest endpoint for a single symbol
// (spec §4.5: ~30s cadence, round-robin across symbols).
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return OpenInterest{}, err
	}

	var result openInterestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/openInterest")
	if err != nil {
		return OpenInterest{}, fmt.Errorf("get open interest: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return OpenInterest{}, fmt.Errorf("get open interest: status %d: %s", resp.StatusCode(), resp.String())
	}

	oi, err := decimal.NewFromString(result.OI)
	if err != nil {
		return OpenInterest{}, fmt.Errorf("parse open interest: %w", err)
	}
	return OpenInterest{Symbol: symbol, Value: oi}, nil
}

// LongShortRatio is the top-account long/short position ratio for a
// symbol.
type LongShortRatio struct {
	Symbol       string
	LongAccount  decimal.Decimal
	ShortAccount decimal.Decimal
	Ratio        decimal.Decimal
}

type longShortResponse struct {
	Symbol       string `json:"symbol"`
	LongAccount  string `json:"longAccount"`
	ShortAccount string `json:"shortAccount"`
	LongShortRatio string `json:"longShortRatio"`
}

// GetTopLongShortRatio polls the top-trader long/short ratio endpoint
// (spec §4.5: 5-minute cadence, partitioned across 5 buckets).
func (c *Client) GetTopLongShortRatio(ctx context.Context, symbol string) (LongShortRatio, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return LongShortRatio{}, err
	}

	var result longShortResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("period", "5m").
		SetResult(&result).
		Get("/topLongShortAccountRatio")
	if err != nil {
		return LongShortRatio{}, fmt.Errorf("get long/short ratio: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return LongShortRatio{}, fmt.Errorf("get long/short ratio: status %d: %s", resp.StatusCode(), resp.String())
	}

	long, _ := decimal.NewFromString(result.LongAccount)
	short, _ := decimal.NewFromString(result.ShortAccount)
	ratio, _ := decimal.NewFromString(result.LongShortRatio)
	return LongShortRatio{Symbol: symbol, LongAccount: long, ShortAccount: short, Ratio: ratio}, nil
}
