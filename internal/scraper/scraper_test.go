package scraper

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = errors.New("context deadline exceeded")

// fakePage serves canned text per URL and selector.
type fakePage struct {
	current  string
	navFails map[string]bool
	pages    map[string]map[string]string
	visited  []string
}

func (p *fakePage) Navigate(url string, _ time.Duration) error {
	p.visited = append(p.visited, url)
	if p.navFails[url] {
		return errTimeout
	}
	p.current = url
	return nil
}

func (p *fakePage) Text(selector string, _ time.Duration) (string, error) {
	text, ok := p.pages[p.current][selector]
	if !ok {
		return "", errTimeout
	}
	return text, nil
}

type fakeBrowser struct {
	page   *fakePage
	err    error
	closed bool
}

func (b *fakeBrowser) NewPage(context.Context) (Page, func(), error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	return b.page, func() { b.closed = true }, nil
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.calls = append(s.calls, d)
}

func newTestOrchestrator(b Browser, rec *sleepRecorder) *Orchestrator {
	return NewOrchestrator(b, DefaultConfig(), WithSleep(rec.sleep), WithRand(rand.New(rand.NewSource(1))))
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		text    string
		want    float64
		wantErr bool
	}{
		{"12.5", 12.5, false},
		{"  1,234.75 sats ", 1234.75, false},
		{"0.0123 BTC", 0.0123, false},
		{"$3", 3, false},
		{"--", 0, true},
		{"", 0, true},
		{"1.2.3", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseNumber(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestExtractNumbers_AllOrNothing(t *testing.T) {
	page := &fakePage{
		current: "u",
		pages:   map[string]map[string]string{"u": {"#price": "12.3", "#vol": "n/a"}},
	}

	values, err := ExtractNumbers(page, "u", []string{"#price"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []float64{12.3}, values)

	values, err = ExtractNumbers(page, "u", []string{"#price", "#vol"}, time.Second)
	assert.Nil(t, values)
	var xerr *ExtractionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "#vol", xerr.Selector)

	_, err = ExtractNumbers(page, "u", []string{"#price", "#missing"}, time.Second)
	assert.ErrorIs(t, err, errTimeout)
}

func TestExtractMintRatio(t *testing.T) {
	page := &fakePage{
		current: "d",
		pages:   map[string]map[string]string{"d": {"#mint": "1,000", "#zero": "0"}},
	}

	ratio, err := ExtractMintRatio(page, "d", "#mint", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1000, ratio)

	_, err = ExtractMintRatio(page, "d", "#zero", time.Second)
	assert.Error(t, err)
}

func TestExtractAll_NavigationFailureIsolated(t *testing.T) {
	page := &fakePage{
		navFails: map[string]bool{"u2": true},
		pages: map[string]map[string]string{
			"u1": {"#p": "10", "#v": "1.5"},
			"u3": {"#p": "30", "#v": "3.5"},
		},
	}
	rec := &sleepRecorder{}
	o := newTestOrchestrator(&fakeBrowser{page: page}, rec)

	sel := []string{"#p", "#v"}
	results := o.ExtractAll(context.Background(), []Target{
		{URL: "u1", Profile: ProfilePriceVolume, Selectors: sel},
		{URL: "u2", Profile: ProfilePriceVolume, Selectors: sel},
		{URL: "u3", Profile: ProfilePriceVolume, Selectors: sel},
	})

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, []float64{10, 1.5}, results[0].Values)
	assert.ErrorIs(t, results[1].Err, errTimeout)
	assert.Nil(t, results[1].Values)
	require.NoError(t, results[2].Err)
	assert.Equal(t, []float64{30, 3.5}, results[2].Values)

	// one sleep after u1; none after the failed load of u2; none after the last target
	assert.Len(t, rec.calls, 1)
	assert.Equal(t, []string{"u1", "u2", "u3"}, page.visited)
}

func TestExtractAll_SleepsAfterSelectorFailure(t *testing.T) {
	page := &fakePage{pages: map[string]map[string]string{
		"u1": {},
		"u2": {"#p": "1"},
	}}
	rec := &sleepRecorder{}
	o := newTestOrchestrator(&fakeBrowser{page: page}, rec)

	results := o.ExtractAll(context.Background(), []Target{
		{URL: "u1", Profile: ProfilePriceVolume, Selectors: []string{"#p"}},
		{URL: "u2", Profile: ProfilePriceVolume, Selectors: []string{"#p"}},
	})

	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Len(t, rec.calls, 1, "a loaded page is waited out even when extraction failed")
}

func TestExtractAll_JitterWithinRange(t *testing.T) {
	pages := map[string]map[string]string{}
	var targets []Target
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		pages[u] = map[string]string{"#p": "1"}
		targets = append(targets, Target{URL: u, Profile: ProfilePriceVolume, Selectors: []string{"#p"}})
	}
	rec := &sleepRecorder{}
	o := newTestOrchestrator(&fakeBrowser{page: &fakePage{pages: pages}}, rec)

	o.ExtractAll(context.Background(), targets)

	require.Len(t, rec.calls, 4)
	for _, d := range rec.calls {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestExtractAll_MixedProfiles(t *testing.T) {
	page := &fakePage{pages: map[string]map[string]string{
		"market": {"#p": "5.5", "#v": "0.2"},
		"detail": {"#m": "2,100"},
	}}
	o := newTestOrchestrator(&fakeBrowser{page: page}, &sleepRecorder{})

	results := o.ExtractAll(context.Background(), []Target{
		{URL: "market", Profile: ProfilePriceVolume, Selectors: []string{"#p", "#v"}},
		{URL: "detail", Profile: ProfileMintRatio, Selectors: []string{"#m"}},
	})

	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, []float64{2100}, results[1].Values)
}

func TestExtractAll_BrowserStartFailure(t *testing.T) {
	boom := errors.New("chrome not found")
	o := newTestOrchestrator(&fakeBrowser{err: boom}, &sleepRecorder{})

	results := o.ExtractAll(context.Background(), []Target{{URL: "a"}, {URL: "b"}})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, boom)
	}
}

func TestExtractAll_ClosesSession(t *testing.T) {
	b := &fakeBrowser{page: &fakePage{pages: map[string]map[string]string{"a": {"#p": "1"}}}}
	o := newTestOrchestrator(b, &sleepRecorder{})

	o.ExtractAll(context.Background(), []Target{{URL: "a", Selectors: []string{"#p"}}})

	assert.True(t, b.closed)
}

func TestExtractAll_Empty(t *testing.T) {
	b := &fakeBrowser{err: errors.New("must not start")}
	o := newTestOrchestrator(b, &sleepRecorder{})
	assert.Empty(t, o.ExtractAll(context.Background(), nil))
}

func TestExtractAll_CancelledContext(t *testing.T) {
	page := &fakePage{pages: map[string]map[string]string{"a": {"#p": "1"}}}
	o := newTestOrchestrator(&fakeBrowser{page: page}, &sleepRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := o.ExtractAll(ctx, []Target{{URL: "a", Selectors: []string{"#p"}}})

	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Empty(t, page.visited)
}

type countingObserver struct {
	ok, failed int
}

func (c *countingObserver) ObserveExtraction(_ string, err error) {
	if err != nil {
		c.failed++
		return
	}
	c.ok++
}

func TestExtractAll_Observer(t *testing.T) {
	page := &fakePage{
		navFails: map[string]bool{"b": true},
		pages:    map[string]map[string]string{"a": {"#p": "1"}},
	}
	obs := &countingObserver{}
	o := NewOrchestrator(&fakeBrowser{page: page}, DefaultConfig(),
		WithSleep((&sleepRecorder{}).sleep), WithObserver(obs))

	o.ExtractAll(context.Background(), []Target{
		{URL: "a", Selectors: []string{"#p"}},
		{URL: "b", Selectors: []string{"#p"}},
	})

	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 1, obs.failed)
}
