// Package commands implements the chat operations on tracked runes. Every
// operation returns the text to show the user; failures are rendered into
// that text rather than returned.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/runewatch/internal/history"
	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/pricing"
	"github.com/rewired-gh/runewatch/internal/runes"
	"github.com/rewired-gh/runewatch/internal/scraper"
	"github.com/rewired-gh/runewatch/internal/storage"
)

const addHint = "Use /add <rune name or url> to add runes to the database."

// Store is the part of the price store the commands use.
type Store interface {
	Contains(key string) bool
	Get(key string) (models.TokenRecord, bool)
	Snapshot() storage.Snapshot
	Merge(updates []storage.Update) error
	SetMintRatio(key string, ratio int) error
}

// Nicknames resolves and records aliases.
type Nicknames interface {
	Set(alias, key string) error
	Resolve(alias string) (string, bool)
	For(key string) []string
}

// Extractor scrapes pages for add.
type Extractor interface {
	ExtractAll(ctx context.Context, targets []scraper.Target) []scraper.Result
}

// RateSource supplies the BTC/USD rate.
type RateSource interface {
	BTCUSD(ctx context.Context) (decimal.Decimal, error)
}

// AlertLog lists past movement alerts.
type AlertLog interface {
	Recent(key string, limit int) ([]history.Entry, error)
}

// Config holds what add scrapes and how status describes the refresh rate.
type Config struct {
	URLs              runes.URLs
	PriceSelectors    []string
	MintRatioSelector string
	RefreshInterval   time.Duration
	AlertLimit        int
}

// Service executes chat commands against the store.
type Service struct {
	config    Config
	store     Store
	nicknames Nicknames
	extractor Extractor
	rates     RateSource
	alerts    AlertLog
}

// Option configures a Service.
type Option func(*Service)

// WithRates adds USD figures to status replies.
func WithRates(r RateSource) Option {
	return func(s *Service) { s.rates = r }
}

// WithAlertLog enables the alerts command.
func WithAlertLog(a AlertLog) Option {
	return func(s *Service) { s.alerts = a }
}

// NewService creates a Service.
func NewService(config Config, store Store, nicknames Nicknames, extractor Extractor, opts ...Option) *Service {
	if config.URLs == (runes.URLs{}) {
		config.URLs = runes.DefaultURLs()
	}
	if config.AlertLimit <= 0 {
		config.AlertLimit = 10
	}
	s := &Service{
		config:    config,
		store:     store,
		nicknames: nicknames,
		extractor: extractor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle dispatches a command by name. It reports false for commands this
// service does not know.
func (s *Service) Handle(ctx context.Context, command string, args []string) (string, bool) {
	switch strings.ToLower(command) {
	case "add":
		return s.Add(ctx, firstArg(args)), true
	case "status":
		return s.Status(ctx, firstArg(args)), true
	case "nickname":
		if len(args) < 2 {
			return "Usage: /nickname <rune name or url> <nickname>", true
		}
		return s.Nickname(args[0], strings.Join(args[1:], " ")), true
	case "mintratio":
		if len(args) != 2 {
			return "Usage: /mintratio <rune name or url> <tokens per mint>", true
		}
		return s.MintRatio(args[0], args[1]), true
	case "alerts":
		return s.Alerts(firstArg(args)), true
	case "help", "start":
		return helpText, true
	default:
		return "", false
	}
}

const helpText = `Commands:
/add <rune name or url> - start tracking a rune
/status [rune or nickname] - latest prices
/nickname <rune> <nickname> - add an alias
/mintratio <rune> <tokens per mint> - set tokens per mint
/alerts [rune or nickname] - recent price movement alerts
/ping - check the bot is alive`

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Add starts tracking a rune. The market page must yield a price; the mint
// ratio falls back to 1. Nothing is stored when the price scrape fails.
func (s *Service) Add(ctx context.Context, identifier string) string {
	if strings.TrimSpace(identifier) == "" {
		return "Usage: /add <rune name or url>"
	}
	key, err := runes.ToCanonicalKey(identifier)
	if err != nil {
		return err.Error()
	}
	ticker := runes.KeyToTicker(key)

	if s.store.Contains(key) {
		return fmt.Sprintf("%s already added.", ticker)
	}

	marketURL := s.config.URLs.MarketURL(key)
	targets := []scraper.Target{
		{URL: marketURL, Profile: scraper.ProfilePriceVolume, Selectors: s.config.PriceSelectors},
	}
	if s.config.MintRatioSelector != "" {
		targets = append(targets, scraper.Target{
			URL:       s.config.URLs.DetailURL(key),
			Profile:   scraper.ProfileMintRatio,
			Selectors: []string{s.config.MintRatioSelector},
		})
	}

	logger.Info("Adding %s from %s", key, marketURL)
	results := s.extractor.ExtractAll(ctx, targets)
	if len(results) == 0 || results[0].Err != nil || len(results[0].Values) == 0 {
		if len(results) > 0 {
			logger.Warn("Add %s: price scrape failed: %v", key, results[0].Err)
		}
		return fmt.Sprintf("%s either lacks enough listings or does not exist on the marketplace.", ticker)
	}

	price := results[0].Values[0]
	update := storage.Update{Key: key, URL: marketURL, Price: &price}
	if len(results[0].Values) > 1 {
		volume := results[0].Values[1]
		update.Volume = &volume
	}
	mintRatio := 1
	if len(results) > 1 {
		if results[1].Err == nil && len(results[1].Values) > 0 {
			mintRatio = int(results[1].Values[0])
		} else {
			logger.Warn("Add %s: mint ratio scrape failed, using 1: %v", key, results[1].Err)
		}
	}
	update.MintRatio = &mintRatio

	var b strings.Builder
	if err := s.store.Merge([]storage.Update{update}); err != nil {
		logger.Error("Add %s: failed to persist store: %v", key, err)
		fmt.Fprintf(&b, "%s added, but saving to disk failed: %v\n\n", ticker, err)
	} else {
		fmt.Fprintf(&b, "%s added!\n\n", ticker)
	}

	rec, _ := s.store.Get(key)
	b.WriteString(s.statusBlock(key, rec, s.rate(ctx)))
	return strings.TrimRight(b.String(), "\n")
}

// Status describes one rune, or every tracked rune when identifier is empty.
func (s *Service) Status(ctx context.Context, identifier string) string {
	if strings.TrimSpace(identifier) == "" {
		return s.statusAll(ctx)
	}

	key, err := s.resolve(identifier)
	if err != nil {
		return s.lookupFailure(identifier, err)
	}
	rec, ok := s.store.Get(key)
	if !ok {
		return s.lookupFailure(identifier, storage.ErrNotFound)
	}

	var b strings.Builder
	if stamp, ok := rec.LatestTimestamp(); ok {
		fmt.Fprintf(&b, "Last updated: %s%s\n\n", stamp, s.refreshNote())
	}
	b.WriteString(s.statusBlock(key, rec, s.rate(ctx)))
	if aliases := s.nicknames.For(key); len(aliases) > 0 {
		fmt.Fprintf(&b, "Also known as: %s\n", strings.Join(aliases, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) statusAll(ctx context.Context) string {
	snap := s.store.Snapshot()
	if len(snap.Records) == 0 {
		return "Database is empty!\n\n" + addHint
	}

	rate := s.rate(ctx)
	var b strings.Builder
	b.WriteString("Rune prices\n")
	if snap.LastUpdated != "" {
		fmt.Fprintf(&b, "Last updated: %s%s\n", snap.LastUpdated, s.refreshNote())
	}
	b.WriteString("\n")
	for _, key := range snap.Keys() {
		b.WriteString(s.statusBlock(key, snap.Records[key], rate))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) refreshNote() string {
	if s.config.RefreshInterval <= 0 {
		return ""
	}
	return fmt.Sprintf(" (updates every ~%d mins)", int(s.config.RefreshInterval.Minutes()))
}

// statusBlock renders one record. rate is nil when USD is unavailable.
func (s *Service) statusBlock(key string, rec models.TokenRecord, rate *decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", runes.KeyToTicker(key))
	fmt.Fprintf(&b, "%s BTC volume (24h)\n", formatFloat(rec.Volume))

	price, ok := rec.LatestPrice()
	if !ok {
		b.WriteString("no price samples yet\n\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%s sats per token\n", formatFloat(price))
	if rate != nil {
		q := pricing.NewQuote(price, rec.MintRatio, *rate)
		fmt.Fprintf(&b, "$%s per token\n", q.PerToken.String())
		fmt.Fprintf(&b, "$%s per mint (%d tokens per mint)\n", q.PerMint.StringFixed(2), rec.MintRatio)
	} else {
		fmt.Fprintf(&b, "USD unavailable (%d tokens per mint)\n", rec.MintRatio)
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Service) rate(ctx context.Context) *decimal.Decimal {
	if s.rates == nil {
		return nil
	}
	rate, err := s.rates.BTCUSD(ctx)
	if err != nil {
		logger.Warn("BTC/USD rate unavailable: %v", err)
		return nil
	}
	return &rate
}

// Nickname maps alias to an already tracked rune.
func (s *Service) Nickname(identifier, alias string) string {
	alias = strings.TrimSpace(alias)
	if strings.TrimSpace(identifier) == "" || alias == "" {
		return "Usage: /nickname <rune name or url> <nickname>"
	}
	key, err := s.resolve(identifier)
	if err != nil {
		return s.lookupFailure(identifier, err)
	}
	if err := s.nicknames.Set(alias, key); err != nil {
		logger.Error("Failed to save nickname %q for %s: %v", alias, key, err)
		return fmt.Sprintf("Failed to save nickname: %v", err)
	}
	return fmt.Sprintf("%s can now be referred to as '%s'.", runes.KeyToTicker(key), alias)
}

// MintRatio sets tokens per mint on a tracked rune.
func (s *Service) MintRatio(identifier, ratio string) string {
	n, err := strconv.Atoi(strings.TrimSpace(ratio))
	if err != nil || n < 1 {
		return fmt.Sprintf("Tokens per mint must be a whole number of at least 1, got %q.", ratio)
	}
	key, err := s.resolve(identifier)
	if err != nil {
		return s.lookupFailure(identifier, err)
	}
	if err := s.store.SetMintRatio(key, n); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.lookupFailure(identifier, err)
		}
		logger.Error("Failed to set mint ratio for %s: %v", key, err)
		return fmt.Sprintf("Failed to set tokens per mint: %v", err)
	}
	return fmt.Sprintf("%s now has %d tokens per mint.", runes.KeyToTicker(key), n)
}

// Alerts lists the most recent movement alerts, optionally for one rune.
func (s *Service) Alerts(identifier string) string {
	if s.alerts == nil {
		return "Alert history is disabled."
	}
	key := ""
	if strings.TrimSpace(identifier) != "" {
		var err error
		if key, err = s.resolve(identifier); err != nil {
			return s.lookupFailure(identifier, err)
		}
	}

	entries, err := s.alerts.Recent(key, s.config.AlertLimit)
	if err != nil {
		logger.Error("Failed to read alert history: %v", err)
		return fmt.Sprintf("Failed to read alert history: %v", err)
	}
	if len(entries) == 0 {
		return "No alerts recorded yet."
	}

	var b strings.Builder
	b.WriteString("Recent alerts\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s %.2f%% (%s -> %s sats)",
			e.Timestamp, runes.KeyToTicker(e.Key), e.Direction, absPercent(e.Percent),
			formatFloat(e.OldPrice), formatFloat(e.Price))
		if !e.Delivered {
			b.WriteString(" [not delivered]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolve maps an alias, name, or URL to a tracked key.
func (s *Service) resolve(identifier string) (string, error) {
	if key, ok := s.nicknames.Resolve(identifier); ok {
		if s.store.Contains(key) {
			return key, nil
		}
		return "", storage.ErrNotFound
	}
	key, err := runes.ToCanonicalKey(identifier)
	if err != nil {
		return "", err
	}
	if alias, ok := s.nicknames.Resolve(key); ok {
		key = alias
	}
	if !s.store.Contains(key) {
		return "", storage.ErrNotFound
	}
	return key, nil
}

func (s *Service) lookupFailure(identifier string, err error) string {
	var nerr *runes.NormalizationError
	if errors.As(err, &nerr) {
		return err.Error()
	}
	return fmt.Sprintf("%s not found in database.\n\n%s", strings.TrimSpace(identifier), addHint)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func absPercent(p float64) float64 {
	if p < 0 {
		return -p
	}
	return p
}
