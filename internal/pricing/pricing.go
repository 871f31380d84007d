// Package pricing converts satoshi prices to USD using a BTC spot price.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// DefaultSpotURL returns {"data":{"amount":"<usd>", ...}}.
const DefaultSpotURL = "https://api.coinbase.com/v2/prices/BTC-USD/spot"

type spotResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

// Converter fetches and caches the BTC/USD rate.
type Converter struct {
	spotURL    string
	httpClient *http.Client
	ttl        time.Duration
	maxRetries int

	group singleflight.Group

	mu        sync.Mutex
	rate      decimal.Decimal
	fetchedAt time.Time
	now       func() time.Time
}

// NewConverter creates a Converter. A ttl of zero refetches on every call.
func NewConverter(spotURL string, timeout, ttl time.Duration) *Converter {
	if spotURL == "" {
		spotURL = DefaultSpotURL
	}
	return &Converter{
		spotURL:    spotURL,
		httpClient: &http.Client{Timeout: timeout},
		ttl:        ttl,
		maxRetries: 3,
		now:        time.Now,
	}
}

// BTCUSD returns the USD price of one bitcoin, cached for the TTL.
// Concurrent callers share one fetch; a caller whose ctx ends stops
// waiting without cancelling the fetch for the others.
func (c *Converter) BTCUSD(ctx context.Context) (decimal.Decimal, error) {
	if rate, ok := c.cached(); ok {
		return rate, nil
	}

	ch := c.group.DoChan("btcusd", func() (interface{}, error) {
		rate, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.rate = rate
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return rate, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (c *Converter) cached() (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchedAt.IsZero() || c.now().Sub(c.fetchedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return c.rate, true
}

// SatsToUSD converts a per-token price in sats to USD.
func (c *Converter) SatsToUSD(ctx context.Context, sats float64) (decimal.Decimal, error) {
	rate, err := c.BTCUSD(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return Convert(sats, rate), nil
}

// Convert multiplies sats by a BTC/USD rate.
func Convert(sats float64, btcUSD decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(sats).Mul(btcUSD).Div(decimal.NewFromInt(SatsPerBTC))
}

func (c *Converter) fetch(ctx context.Context) (decimal.Decimal, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		rate, err := c.fetchOnce(ctx)
		if err == nil {
			return rate, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return decimal.Zero, fmt.Errorf("failed to fetch BTC spot price: %w", lastErr)
}

func (c *Converter) fetchOnce(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.spotURL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("spot price status %d", resp.StatusCode)
	}

	var body spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode spot price: %w", err)
	}
	rate, err := decimal.NewFromString(body.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid spot price %q: %w", body.Data.Amount, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive spot price %s", rate)
	}
	return rate, nil
}

// Quote is a token's USD value, rounded for display.
type Quote struct {
	PerToken decimal.Decimal // 6 decimal places
	PerMint  decimal.Decimal // 2 decimal places
}

// NewQuote prices one token and one mint of mintRatio tokens at btcUSD.
func NewQuote(sats float64, mintRatio int, btcUSD decimal.Decimal) Quote {
	if mintRatio < 1 {
		mintRatio = 1
	}
	perToken := Convert(sats, btcUSD)
	return Quote{
		PerToken: perToken.Round(6),
		PerMint:  perToken.Mul(decimal.NewFromInt(int64(mintRatio))).Round(2),
	}
}
