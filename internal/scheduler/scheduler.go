// Package scheduler drives the periodic scrape, merge, detect, and notify cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/metrics"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/pricing"
	"github.com/rewired-gh/runewatch/internal/runes"
	"github.com/rewired-gh/runewatch/internal/scraper"
	"github.com/rewired-gh/runewatch/internal/storage"
)

// Extractor runs a scrape batch.
type Extractor interface {
	ExtractAll(ctx context.Context, targets []scraper.Target) []scraper.Result
}

// Store is the part of the price store a cycle touches.
type Store interface {
	Reload() (bool, error)
	Targets() []storage.TrackedToken
	Merge(updates []storage.Update) error
	Len() int
}

// Detector finds movements in the merged store.
type Detector interface {
	Detect() []models.MovementEvent
}

// Notifier is the alert channel.
type Notifier interface {
	SendMovement(ev models.MovementEvent, quote *pricing.Quote) error
	SendError(cycleErr error) error
	SendRecovery(failureCount int) error
}

// RateSource supplies the BTC/USD rate for alert quotes.
type RateSource interface {
	BTCUSD(ctx context.Context) (decimal.Decimal, error)
}

// Recorder keeps a history of emitted movements.
type Recorder interface {
	Record(ev models.MovementEvent, delivered bool) error
}

// Syncer pushes latest prices to an external sheet.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config holds the cycle timing and what to read from each market page.
type Config struct {
	Interval  time.Duration
	Jitter    time.Duration // each wait is Interval ± Jitter, drawn per cycle
	Selectors []string      // price first, optional volume second
	URLs      runes.URLs    // used for records that lack a stored URL
}

// Scheduler owns the cycle loop. Collaborators other than the store,
// extractor, and detector are optional.
type Scheduler struct {
	config    Config
	store     Store
	extractor Extractor
	detector  Detector

	notifier Notifier
	rates    RateSource
	recorder Recorder
	syncer   Syncer
	metrics  *metrics.Metrics
	rng      *rand.Rand

	consecutiveFailures int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier sets the alert channel.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithRates enables USD quotes in alerts.
func WithRates(r RateSource) Option {
	return func(s *Scheduler) { s.rates = r }
}

// WithRecorder sets the movement history sink.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithSyncer enables the spreadsheet sync step.
func WithSyncer(sy Syncer) Option {
	return func(s *Scheduler) { s.syncer = sy }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRand sets the interval jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// New creates a Scheduler.
func New(config Config, store Store, extractor Extractor, detector Detector, opts ...Option) *Scheduler {
	if config.URLs == (runes.URLs{}) {
		config.URLs = runes.DefaultURLs()
	}
	s := &Scheduler{
		config:    config,
		store:     store,
		extractor: extractor,
		detector:  detector,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextDelay draws the wait before the next cycle uniformly from
// [Interval-Jitter, Interval+Jitter].
func (s *Scheduler) NextDelay() time.Duration {
	if s.config.Jitter <= 0 {
		return s.config.Interval
	}
	offset := time.Duration(s.rng.Int63n(2*int64(s.config.Jitter)+1)) - s.config.Jitter
	return s.config.Interval + offset
}

// Run executes a cycle immediately and then after every NextDelay until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Starting scheduler (interval: %v ± %v)", s.config.Interval, s.config.Jitter)

	for {
		s.handleCycleResult(ctx, s.RunCycle(ctx))

		delay := s.NextDelay()
		logger.Debug("Next cycle in %v", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Scheduler stopped")
			return
		case <-timer.C:
		}
	}
}

// handleCycleResult sends an error notice on the first failure of a streak
// and a recovery notice on the success that ends it.
func (s *Scheduler) handleCycleResult(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.consecutiveFailures++
		logger.Error("Scrape cycle failed: %v", err)
		if s.consecutiveFailures == 1 && s.notifier != nil {
			if sendErr := s.notifier.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if s.consecutiveFailures > 0 && s.notifier != nil {
		if sendErr := s.notifier.SendRecovery(s.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	s.consecutiveFailures = 0
}

// RunCycle performs one scrape, merge, detect, notify, and sync pass.
// Extraction runs without holding the store lock. The returned error is
// set when every tracked token failed to scrape or the merge could not be
// persisted; detection, notification, and sync problems are only logged.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	start := time.Now()
	logger.Info("Starting scrape cycle")
	defer func() {
		duration := time.Since(start)
		s.metrics.ObserveCycle(duration, s.store.Len(), err)
		logger.Info("Scrape cycle completed in %v", duration)
	}()

	if loaded, rerr := s.store.Reload(); rerr != nil {
		logger.Warn("Store consistency check failed: %v", rerr)
	} else if loaded {
		logger.Warn("In-memory store was empty, reloaded %d tokens from disk", s.store.Len())
	}

	tracked := s.store.Targets()
	targets := make([]scraper.Target, len(tracked))
	for i, t := range tracked {
		url := t.URL
		if url == "" {
			url = s.config.URLs.MarketURL(t.Key)
		}
		targets[i] = scraper.Target{URL: url, Profile: scraper.ProfilePriceVolume, Selectors: s.config.Selectors}
	}

	var results []scraper.Result
	if len(targets) > 0 {
		logger.Debug("Scraping %d tracked tokens", len(targets))
		results = s.extractor.ExtractAll(ctx, targets)
	} else {
		logger.Info("No tracked tokens, skipping scrape")
	}

	updates, failed := buildUpdates(tracked, results)
	logger.Info("Scraped %d/%d tokens", len(updates), len(tracked))
	if len(tracked) > 0 && failed == len(tracked) {
		err = fmt.Errorf("scrape failed for all %d tracked tokens", failed)
	}

	if merr := s.store.Merge(updates); merr != nil {
		logger.Error("Failed to persist price store: %v", merr)
		s.metrics.ObservePersistFailure()
		err = errors.Join(err, fmt.Errorf("failed to persist price store: %w", merr))
	}

	events := s.detector.Detect()
	if len(events) > 0 {
		logger.Info("Detected %d price movements", len(events))
	}
	s.notify(ctx, events)

	if s.syncer != nil {
		if serr := s.syncer.Sync(ctx); serr != nil {
			logger.Warn("Spreadsheet sync failed: %v", serr)
		}
	}

	return err
}

// buildUpdates turns successful results into merge updates. A failed
// target contributes nothing, so its stored series is left untouched.
func buildUpdates(tracked []storage.TrackedToken, results []scraper.Result) ([]storage.Update, int) {
	updates := make([]storage.Update, 0, len(results))
	failed := 0
	for i, r := range results {
		if r.Err != nil || len(r.Values) == 0 {
			failed++
			continue
		}
		price := r.Values[0]
		u := storage.Update{Key: tracked[i].Key, URL: r.Target.URL, Price: &price}
		if len(r.Values) > 1 {
			volume := r.Values[1]
			u.Volume = &volume
		}
		updates = append(updates, u)
	}
	return updates, failed
}

func (s *Scheduler) notify(ctx context.Context, events []models.MovementEvent) {
	if len(events) == 0 {
		return
	}

	var quoteFor func(ev models.MovementEvent) *pricing.Quote
	if s.rates != nil && s.notifier != nil {
		if rate, err := s.rates.BTCUSD(ctx); err != nil {
			logger.Warn("BTC/USD rate unavailable, alerts will omit USD: %v", err)
		} else {
			quoteFor = func(ev models.MovementEvent) *pricing.Quote {
				q := pricing.NewQuote(ev.Price, ev.MintRatio, rate)
				return &q
			}
		}
	}

	for _, ev := range events {
		s.metrics.ObserveMovement(string(ev.Direction))

		delivered := false
		if s.notifier != nil {
			var quote *pricing.Quote
			if quoteFor != nil {
				quote = quoteFor(ev)
			}
			if err := s.notifier.SendMovement(ev, quote); err != nil {
				logger.Error("Failed to send movement alert for %s: %v", ev.Key, err)
			} else {
				delivered = true
			}
		} else {
			logger.Info("%s %s %.2f%% (notifications disabled)", ev.Ticker, ev.Direction, ev.Percent)
		}

		if s.recorder != nil {
			if err := s.recorder.Record(ev, delivered); err != nil {
				logger.Warn("Failed to record movement for %s: %v", ev.Key, err)
			}
		}
	}
}
