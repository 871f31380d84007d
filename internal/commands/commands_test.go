package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/runewatch/internal/history"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/scraper"
	"github.com/rewired-gh/runewatch/internal/storage"
)

// fakeExtractor answers by profile so tests need not spell out URLs.
type fakeExtractor struct {
	price    []float64
	priceErr error
	mint     []float64
	mintErr  error
	calls    int
	targets  []scraper.Target
}

func (f *fakeExtractor) ExtractAll(_ context.Context, targets []scraper.Target) []scraper.Result {
	f.calls++
	f.targets = targets
	results := make([]scraper.Result, len(targets))
	for i, t := range targets {
		results[i].Target = t
		switch t.Profile {
		case scraper.ProfilePriceVolume:
			results[i].Values, results[i].Err = f.price, f.priceErr
		case scraper.ProfileMintRatio:
			results[i].Values, results[i].Err = f.mint, f.mintErr
		}
	}
	return results
}

type fixedRate struct{ rate decimal.Decimal }

func (r fixedRate) BTCUSD(context.Context) (decimal.Decimal, error) { return r.rate, nil }

type failingRate struct{}

func (failingRate) BTCUSD(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("spot api down")
}

type fixture struct {
	svc       *Service
	store     *storage.Store
	nicknames *storage.Nicknames
	ex        *fakeExtractor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "prices.json"), 20)
	require.NoError(t, err)
	nicknames, err := storage.OpenNicknames(filepath.Join(dir, "nicknames.json"))
	require.NoError(t, err)

	ex := &fakeExtractor{price: []float64{12.5, 0.3}, mint: []float64{1000}}
	cfg := Config{
		PriceSelectors:    []string{"#p", "#v"},
		MintRatioSelector: "#m",
		RefreshInterval:   5 * time.Minute,
	}
	if len(opts) == 0 {
		opts = []Option{WithRates(fixedRate{decimal.NewFromInt(60000)})}
	}
	return &fixture{
		svc:       NewService(cfg, store, nicknames, ex, opts...),
		store:     store,
		nicknames: nicknames,
		ex:        ex,
	}
}

func (f *fixture) seed(t *testing.T, key string, price float64, mint int) {
	t.Helper()
	require.NoError(t, f.store.Merge([]storage.Update{{Key: key, URL: "u-" + key, Price: &price, MintRatio: &mint}}))
}

func TestAdd_Success(t *testing.T) {
	f := newFixture(t)

	reply := f.svc.Add(context.Background(), "Foo Bar")

	assert.True(t, strings.HasPrefix(reply, "FOO•BAR added!"), reply)
	assert.Contains(t, reply, "12.5 sats per token")
	assert.Contains(t, reply, "$0.0075 per token")
	assert.Contains(t, reply, "$7.50 per mint (1000 tokens per mint)")
	assert.Contains(t, reply, "0.3 BTC volume (24h)")

	rec, ok := f.store.Get("foo.bar")
	require.True(t, ok)
	assert.Equal(t, []float64{12.5}, rec.Prices)
	assert.Equal(t, 1000, rec.MintRatio)
	assert.Equal(t, 0.3, rec.Volume)
	assert.Equal(t, models.NeverNotified, rec.LastNotified)
	assert.Equal(t, "https://unisat.io/runes/market?tick=FOO%E2%80%A2BAR", rec.URL)

	require.Len(t, f.ex.targets, 2)
	assert.Equal(t, "https://unisat.io/runes/detail/FOO%E2%80%A2BAR", f.ex.targets[1].URL)
}

func TestAdd_AlreadyAdded(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "foo.bar", 10, 1)

	reply := f.svc.Add(context.Background(), "https://unisat.io/runes/market?tick=FOO%E2%80%A2BAR")

	assert.Equal(t, "FOO•BAR already added.", reply)
	assert.Zero(t, f.ex.calls)
}

func TestAdd_PriceScrapeFailsLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	f.ex.price, f.ex.priceErr = nil, errors.New("selector timeout")

	reply := f.svc.Add(context.Background(), "ghost")

	assert.Contains(t, reply, "does not exist")
	assert.False(t, f.store.Contains("ghost"))
	assert.Empty(t, f.store.LastUpdated())
}

func TestAdd_MintScrapeFailsDefaultsToOne(t *testing.T) {
	f := newFixture(t)
	f.ex.mint, f.ex.mintErr = nil, errors.New("selector timeout")

	f.svc.Add(context.Background(), "foo")

	rec, ok := f.store.Get("foo")
	require.True(t, ok)
	assert.Equal(t, 1, rec.MintRatio)
}

func TestAdd_InvalidIdentifier(t *testing.T) {
	f := newFixture(t)

	reply := f.svc.Add(context.Background(), "!!!")

	assert.Contains(t, reply, "cannot read a rune name")
	assert.Zero(t, f.ex.calls)
	assert.Zero(t, f.store.Len())
}

func TestStatus_EmptyDatabase(t *testing.T) {
	f := newFixture(t)
	assert.True(t, strings.HasPrefix(f.svc.Status(context.Background(), ""), "Database is empty!"))
}

func TestStatus_AllSortedWithHeader(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "zeta", 2, 1)
	f.seed(t, "alpha", 1, 1)

	reply := f.svc.Status(context.Background(), "")

	assert.Contains(t, reply, "Last updated: "+f.store.LastUpdated()+" (updates every ~5 mins)")
	a, z := strings.Index(reply, "ALPHA:"), strings.Index(reply, "ZETA:")
	require.NotEqual(t, -1, a)
	require.NotEqual(t, -1, z)
	assert.Less(t, a, z)
}

func TestStatus_Single(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "foo.bar", 12.5, 1000)

	reply := f.svc.Status(context.Background(), "FOO•BAR")

	rec, _ := f.store.Get("foo.bar")
	assert.True(t, strings.HasPrefix(reply, "Last updated: "+rec.Timestamps[0]), reply)
	assert.Contains(t, reply, "$7.50 per mint")
}

func TestStatus_UnknownToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha", 1, 1)

	assert.Contains(t, f.svc.Status(context.Background(), "beta"), "not found")
	assert.Contains(t, f.svc.Status(context.Background(), "unknownalias"), "not found")
}

func TestStatus_NicknameToUntrackedKeyIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha", 1, 1)
	require.NoError(t, f.nicknames.Set("gone", "deleted.rune"))

	assert.Contains(t, f.svc.Status(context.Background(), "gone"), "not found")
}

func TestStatus_WithoutRate(t *testing.T) {
	f := newFixture(t, WithRates(failingRate{}))
	f.seed(t, "alpha", 1, 3)

	reply := f.svc.Status(context.Background(), "alpha")
	assert.Contains(t, reply, "USD unavailable (3 tokens per mint)")
	assert.NotContains(t, reply, "$")
}

func TestNickname(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "foo.bar", 10, 1)

	assert.Contains(t, f.svc.Nickname("nope", "x"), "not found")

	reply := f.svc.Nickname("foo bar", "Fooey")
	assert.Equal(t, "FOO•BAR can now be referred to as 'Fooey'.", reply)

	key, ok := f.nicknames.Resolve("fooey")
	require.True(t, ok)
	assert.Equal(t, "foo.bar", key)

	status := f.svc.Status(context.Background(), "FOOEY")
	assert.Contains(t, status, "FOO•BAR:")
	assert.True(t, strings.HasSuffix(status, "Also known as: fooey"), status)

	require.NoError(t, f.nicknames.Set("fb", "foo.bar"))
	assert.Contains(t, f.svc.Status(context.Background(), "foo.bar"), "Also known as: fb, fooey")
	assert.NotContains(t, f.svc.Status(context.Background(), ""), "Also known as")
}

func TestMintRatio(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "foo", 10, 1)

	assert.Contains(t, f.svc.MintRatio("foo", "abc"), "whole number")
	assert.Contains(t, f.svc.MintRatio("foo", "0"), "whole number")
	assert.Contains(t, f.svc.MintRatio("bar", "5"), "not found")

	assert.Equal(t, "FOO now has 5 tokens per mint.", f.svc.MintRatio("foo", "5"))
	rec, _ := f.store.Get("foo")
	assert.Equal(t, 5, rec.MintRatio)
	assert.Equal(t, []float64{10}, rec.Prices, "mint ratio does not touch the series")
}

func TestAlerts(t *testing.T) {
	ledger, err := history.Open(":memory:", 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	f := newFixture(t, WithAlertLog(ledger))
	f.seed(t, "foo", 10, 1)
	f.seed(t, "bar", 10, 1)

	assert.Equal(t, "No alerts recorded yet.", f.svc.Alerts(""))

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	require.NoError(t, ledger.Record(models.MovementEvent{
		ID: uuid.New().String(), Key: "foo", Direction: models.DirectionUp, Percent: 12,
		OldPrice: 100, Price: 112, MintRatio: 1, Timestamp: models.FormatTimestamp(at), DetectedAt: at,
	}, true))
	require.NoError(t, ledger.Record(models.MovementEvent{
		ID: uuid.New().String(), Key: "bar", Direction: models.DirectionDown, Percent: -10,
		OldPrice: 100, Price: 90, MintRatio: 1, Timestamp: models.FormatTimestamp(at), DetectedAt: at.Add(time.Minute),
	}, false))

	all := f.svc.Alerts("")
	assert.Contains(t, all, "FOO up 12.00% (100 -> 112 sats)")
	assert.Contains(t, all, "BAR down 10.00% (100 -> 90 sats) [not delivered]")

	onlyFoo := f.svc.Alerts("foo")
	assert.Contains(t, onlyFoo, "FOO up")
	assert.NotContains(t, onlyFoo, "BAR")
}

func TestAlerts_Disabled(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Alert history is disabled.", f.svc.Alerts(""))
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok := f.svc.Handle(ctx, "unknown", nil)
	assert.False(t, ok)

	reply, ok := f.svc.Handle(ctx, "nickname", []string{"foo"})
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(reply, "Usage:"))

	reply, _ = f.svc.Handle(ctx, "add", []string{"foo"})
	assert.Contains(t, reply, "FOO added!")

	reply, _ = f.svc.Handle(ctx, "STATUS", nil)
	assert.Contains(t, reply, "FOO:")

	reply, _ = f.svc.Handle(ctx, "nickname", []string{"foo", "the", "foo"})
	assert.Contains(t, reply, "'the foo'")
}
