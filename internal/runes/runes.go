// Package runes converts rune identifiers between user input, canonical
// store keys, display tickers, and marketplace URLs.
package runes

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	// Spacer is the marketplace's separator glyph (U+2022).
	Spacer = "•"
	// encodedSpacer is Spacer percent-encoded as it appears in raw URLs.
	encodedSpacer = "%e2%80%a2"

	DefaultMarketBase = "https://unisat.io/runes/market"
	DefaultDetailBase = "https://unisat.io/runes/detail"

	tickerParam = "tick"
	detailDir   = "detail"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)

// NormalizationError reports an identifier with no extractable ticker.
type NormalizationError struct {
	Input  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("cannot read a rune name from %q: %s", e.Input, e.Reason)
}

// ToCanonicalKey turns a marketplace URL or a typed rune name into the
// lowercase dot-separated key used by the price store. It is idempotent.
func ToCanonicalKey(input string) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", &NormalizationError{Input: input, Reason: "empty input"}
	}

	candidate := raw
	if !strings.Contains(candidate, "://") && strings.ContainsAny(candidate, "?/") {
		candidate = "https://" + candidate
	}
	if u, err := url.Parse(candidate); err == nil && u.Scheme != "" && u.Host != "" {
		tick := u.Query().Get(tickerParam)
		if tick == "" {
			tick = detailTicker(u)
		}
		if tick == "" {
			return "", &NormalizationError{Input: input, Reason: "url has no tick parameter"}
		}
		raw = tick
	}

	key := strings.ToLower(raw)
	key = strings.ReplaceAll(key, encodedSpacer, ".")
	key = strings.ReplaceAll(key, Spacer, ".")
	key = strings.Join(strings.Fields(key), ".")

	if !keyPattern.MatchString(key) {
		return "", &NormalizationError{Input: input, Reason: "not a rune ticker"}
	}
	return key, nil
}

// detailTicker reads the ticker from a detail page path such as
// /runes/detail/DOG%E2%80%A2GO.
func detailTicker(u *url.URL) string {
	p := strings.TrimRight(u.Path, "/")
	if path.Base(path.Dir(p)) != detailDir {
		return ""
	}
	return path.Base(p)
}

// KeyToTicker renders a canonical key the way the marketplace displays it.
func KeyToTicker(key string) string {
	return strings.ReplaceAll(strings.ToUpper(key), ".", Spacer)
}

// URLs builds marketplace page addresses for canonical keys.
type URLs struct {
	MarketBase string
	DetailBase string
}

// DefaultURLs points at the public marketplace.
func DefaultURLs() URLs {
	return URLs{MarketBase: DefaultMarketBase, DetailBase: DefaultDetailBase}
}

// MarketURL is the price/volume page for key.
func (u URLs) MarketURL(key string) string {
	return u.MarketBase + "?" + tickerParam + "=" + url.QueryEscape(KeyToTicker(key))
}

// DetailURL is the detail page carrying the mint amount for key.
func (u URLs) DetailURL(key string) string {
	return strings.TrimRight(u.DetailBase, "/") + "/" + url.PathEscape(KeyToTicker(key))
}

// KeyToMarketURL uses DefaultURLs.
func KeyToMarketURL(key string) string {
	return DefaultURLs().MarketURL(key)
}

// KeyToDetailURL uses DefaultURLs.
func KeyToDetailURL(key string) string {
	return DefaultURLs().DetailURL(key)
}
