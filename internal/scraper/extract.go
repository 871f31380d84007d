// Package scraper reads numeric values off rendered marketplace pages.
package scraper

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Page is a browser tab that has been navigated somewhere.
type Page interface {
	// Navigate loads url and waits for the document, failing after timeout.
	Navigate(url string, timeout time.Duration) error
	// Text waits up to timeout for selector to exist and returns its text.
	Text(selector string, timeout time.Duration) (string, error)
}

// ExtractionError reports a navigation, selector, or parse failure for one URL.
type ExtractionError struct {
	URL      string
	Selector string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("extract %s [%s]: %v", e.URL, e.Selector, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

var nonNumeric = regexp.MustCompile(`[^0-9.]`)

// ParseNumber keeps only digits and the decimal point from text and parses
// the remainder as a float.
func ParseNumber(text string) (float64, error) {
	cleaned := nonNumeric.ReplaceAllString(text, "")
	if cleaned == "" {
		return 0, fmt.Errorf("no number in %q", text)
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("no number in %q: %w", text, err)
	}
	return v, nil
}

// ExtractNumbers reads every selector in order. Any failure fails the whole
// call; partial results are never returned.
func ExtractNumbers(page Page, url string, selectors []string, timeout time.Duration) ([]float64, error) {
	values := make([]float64, 0, len(selectors))
	for _, sel := range selectors {
		text, err := page.Text(sel, timeout)
		if err != nil {
			return nil, &ExtractionError{URL: url, Selector: sel, Err: err}
		}
		v, err := ParseNumber(text)
		if err != nil {
			return nil, &ExtractionError{URL: url, Selector: sel, Err: err}
		}
		values = append(values, v)
	}
	return values, nil
}

// ExtractMintRatio reads the tokens-per-mint figure from a detail page.
// Callers fall back to a ratio of 1 on error.
func ExtractMintRatio(page Page, url, selector string, timeout time.Duration) (int, error) {
	values, err := ExtractNumbers(page, url, []string{selector}, timeout)
	if err != nil {
		return 0, err
	}
	ratio := int(values[0])
	if ratio < 1 {
		return 0, &ExtractionError{URL: url, Selector: selector, Err: fmt.Errorf("mint amount %v is not positive", values[0])}
	}
	return ratio, nil
}
