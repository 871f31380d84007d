// Package models defines the tracked-token record, its persisted form, and
// movement events.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// TimestampLayout is the persisted form "HH:MM:SS AM/PM, MM/DD/YYYY".
const TimestampLayout = "03:04:05 PM, 01/02/2006"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp reads a TimestampLayout string in the local zone.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// NeverNotified is the marker of a record that has not fired a movement
// notification. It cannot collide with a formatted timestamp.
const NeverNotified Marker = ""

// Marker holds the newest-timestamp value a notification was sent for.
// NeverNotified is persisted as -1.
type Marker string

func (m Marker) MarshalJSON() ([]byte, error) {
	if m == NeverNotified {
		return []byte("-1"), nil
	}
	return json.Marshal(string(m))
}

func (m *Marker) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		// numbers and null both mean "never"
		*m = NeverNotified
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = Marker(s)
	return nil
}

// TokenRecord is one tracked token in the price store.
type TokenRecord struct {
	URL          string    `json:"url"`
	MintRatio    int       `json:"tokens_per_mint"`
	Prices       []float64 `json:"price_array"`
	Timestamps   []string  `json:"price_timestamps"`
	LastNotified Marker    `json:"last_notified"`
	Volume       float64   `json:"volume"`
}

// NewTokenRecord returns an empty record for url with default mint ratio.
func NewTokenRecord(url string) *TokenRecord {
	return &TokenRecord{
		URL:          url,
		MintRatio:    1,
		Prices:       []float64{},
		Timestamps:   []string{},
		LastNotified: NeverNotified,
	}
}

// Clone returns a deep copy.
func (r *TokenRecord) Clone() TokenRecord {
	c := *r
	c.Prices = append([]float64(nil), r.Prices...)
	c.Timestamps = append([]string(nil), r.Timestamps...)
	return c
}

// LatestPrice returns the newest price, if any.
func (r *TokenRecord) LatestPrice() (float64, bool) {
	if len(r.Prices) == 0 {
		return 0, false
	}
	return r.Prices[len(r.Prices)-1], true
}

// LatestTimestamp returns the newest timestamp, if any.
func (r *TokenRecord) LatestTimestamp() (string, bool) {
	if len(r.Timestamps) == 0 {
		return "", false
	}
	return r.Timestamps[len(r.Timestamps)-1], true
}

// Append adds a sample and evicts from the front once the window exceeds max.
func (r *TokenRecord) Append(price float64, stamp string, max int) {
	r.Prices = append(r.Prices, price)
	r.Timestamps = append(r.Timestamps, stamp)
	for max > 0 && len(r.Prices) > max {
		r.Prices = r.Prices[1:]
		r.Timestamps = r.Timestamps[1:]
	}
}

// Validate checks record invariants.
func (r *TokenRecord) Validate() error {
	if len(r.Prices) != len(r.Timestamps) {
		return fmt.Errorf("price/timestamp length mismatch: %d != %d", len(r.Prices), len(r.Timestamps))
	}
	if r.MintRatio < 1 {
		return errors.New("tokens per mint must be at least 1")
	}
	for _, p := range r.Prices {
		if !IsNumber(p) {
			return errors.New("price series contains a non-finite value")
		}
	}
	return nil
}

// IsNumber reports whether v is a finite real number.
func IsNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
