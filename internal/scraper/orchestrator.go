package scraper

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rewired-gh/runewatch/internal/logger"
)

// Profile selects what to read from a page.
type Profile int

const (
	// ProfilePriceVolume reads an ordered list of numbers, all or nothing.
	ProfilePriceVolume Profile = iota
	// ProfileMintRatio reads a single tokens-per-mint value.
	ProfileMintRatio
)

func (p Profile) String() string {
	switch p {
	case ProfilePriceVolume:
		return "price_volume"
	case ProfileMintRatio:
		return "mint_ratio"
	default:
		return "unknown"
	}
}

// Target is one page to visit in a batch.
type Target struct {
	URL       string
	Profile   Profile
	Selectors []string
}

// Result is the outcome for the Target at the same index. Exactly one of
// Values and Err is set.
type Result struct {
	Target Target
	Values []float64
	Err    error
}

// Browser opens a page session. One session serves a whole batch.
type Browser interface {
	NewPage(ctx context.Context) (Page, func(), error)
}

// Config holds timeouts and the inter-request jitter range.
type Config struct {
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		SelectorTimeout:   15 * time.Second,
		MinDelay:          2 * time.Second,
		MaxDelay:          5 * time.Second,
	}
}

// Observer is told about each target outcome.
type Observer interface {
	ObserveExtraction(profile string, err error)
}

// Orchestrator runs extraction batches through a single browser session.
// Concurrent batches each get their own session.
type Orchestrator struct {
	browser  Browser
	config   Config
	sleep    func(ctx context.Context, d time.Duration)
	observer Observer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the jitter sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithRand sets the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

// WithObserver attaches an outcome observer such as a metrics sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// NewOrchestrator creates an Orchestrator over browser.
func NewOrchestrator(browser Browser, config Config, opts ...Option) *Orchestrator {
	if config.MaxDelay < config.MinDelay {
		config.MaxDelay = config.MinDelay
	}
	o := &Orchestrator{
		browser: browser,
		config:  config,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// jitter draws uniformly from [MinDelay, MaxDelay].
func (o *Orchestrator) jitter() time.Duration {
	span := o.config.MaxDelay - o.config.MinDelay
	if span <= 0 {
		return o.config.MinDelay
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.config.MinDelay + time.Duration(o.rng.Int63n(int64(span)+1))
}

// ExtractAll visits targets in order and returns one Result per target.
// Failures are recorded per target and never stop the batch. A jitter
// delay follows each successfully loaded page except the last target; a
// page that failed to load is followed immediately by the next one.
func (o *Orchestrator) ExtractAll(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i].Target = t
	}
	if len(targets) == 0 {
		return results
	}

	page, closePage, err := o.browser.NewPage(ctx)
	if err != nil {
		logger.Error("Failed to start browser session: %v", err)
		for i := range results {
			results[i].Err = &ExtractionError{URL: targets[i].URL, Err: err}
			o.observe(targets[i].Profile, results[i].Err)
		}
		return results
	}
	defer closePage()

	for i, t := range targets {
		if ctx.Err() != nil {
			results[i].Err = &ExtractionError{URL: t.URL, Err: ctx.Err()}
			o.observe(t.Profile, results[i].Err)
			continue
		}

		if err := page.Navigate(t.URL, o.config.NavigationTimeout); err != nil {
			logger.Warn("Navigation to %s failed: %v", t.URL, err)
			results[i].Err = &ExtractionError{URL: t.URL, Err: err}
			o.observe(t.Profile, results[i].Err)
			continue
		}

		results[i].Values, results[i].Err = o.extract(page, t)
		if results[i].Err != nil {
			logger.Warn("Extraction from %s failed: %v", t.URL, results[i].Err)
		}
		o.observe(t.Profile, results[i].Err)

		if i < len(targets)-1 {
			o.sleep(ctx, o.jitter())
		}
	}
	return results
}

func (o *Orchestrator) extract(page Page, t Target) ([]float64, error) {
	switch t.Profile {
	case ProfilePriceVolume:
		return ExtractNumbers(page, t.URL, t.Selectors, o.config.SelectorTimeout)
	case ProfileMintRatio:
		if len(t.Selectors) == 0 {
			return nil, &ExtractionError{URL: t.URL, Err: errors.New("no mint selector configured")}
		}
		ratio, err := ExtractMintRatio(page, t.URL, t.Selectors[0], o.config.SelectorTimeout)
		if err != nil {
			return nil, err
		}
		return []float64{float64(ratio)}, nil
	default:
		return nil, &ExtractionError{URL: t.URL, Err: errors.New("unknown extraction profile")}
	}
}

func (o *Orchestrator) observe(p Profile, err error) {
	if o.observer != nil {
		o.observer.ObserveExtraction(p.String(), err)
	}
}
