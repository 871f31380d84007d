// Package monitor detects significant price movements across a full window.
package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/runes"
	"github.com/rewired-gh/runewatch/internal/storage"
)

type Config struct {
	// Threshold is the absolute percent change that fires an event.
	Threshold float64
	// WindowSize is the number of samples a record needs before it is checked.
	WindowSize int
}

func DefaultConfig() Config {
	return Config{
		Threshold:  7.5,
		WindowSize: storage.DefaultWindow,
	}
}

// Store is the part of the price store the detector needs.
type Store interface {
	LastUpdated() string
	Snapshot() storage.Snapshot
	MarkNotified(key, stamp string) error
}

// Detector compares the oldest and newest price of each full window. It is
// driven by the scheduler and is not safe for concurrent use.
type Detector struct {
	store    Store
	config   Config
	lastSeen string
	now      func() time.Time
}

func New(s Store, config Config) *Detector {
	if config.WindowSize < 1 {
		config.WindowSize = storage.DefaultWindow
	}
	return &Detector{
		store:  s,
		config: config,
		now:    time.Now,
	}
}

func getDirection(pct float64) models.Direction {
	if pct < 0 {
		return models.DirectionDown
	}
	return models.DirectionUp
}

// PercentChange is (curr-old)/old*100. ok is false when old is zero.
func PercentChange(old, curr float64) (pct float64, ok bool) {
	if old == 0 {
		return 0, false
	}
	return (curr - old) / old * 100, true
}

// Detect scans the store if it changed since the previous scan and returns
// the movements not yet notified. Each returned event's record is marked
// and the store persisted before Detect returns.
func (d *Detector) Detect() []models.MovementEvent {
	lastUpdated := d.store.LastUpdated()
	if lastUpdated == "" || lastUpdated == d.lastSeen {
		logger.Debug("Store unchanged since last movement check, skipping")
		return nil
	}
	d.lastSeen = lastUpdated

	snap := d.store.Snapshot()
	var events []models.MovementEvent
	var checked int

	for _, key := range snap.Keys() {
		rec := snap.Records[key]
		if len(rec.Prices) != d.config.WindowSize || len(rec.Timestamps) != len(rec.Prices) {
			continue
		}
		newest := rec.Timestamps[len(rec.Timestamps)-1]
		if rec.LastNotified == models.Marker(newest) {
			continue
		}
		checked++

		old, curr := rec.Prices[0], rec.Prices[len(rec.Prices)-1]
		pct, ok := PercentChange(old, curr)
		if !ok {
			logger.Debug("Skipping %s: oldest price is zero", key)
			continue
		}
		if pct <= d.config.Threshold && pct >= -d.config.Threshold {
			continue
		}

		event := models.MovementEvent{
			ID:         uuid.New().String(),
			Key:        key,
			Ticker:     runes.KeyToTicker(key),
			URL:        rec.URL,
			Direction:  getDirection(pct),
			Percent:    pct,
			OldPrice:   old,
			Price:      curr,
			Volume:     rec.Volume,
			MintRatio:  rec.MintRatio,
			Timestamp:  newest,
			DetectedAt: d.now(),
		}
		if err := d.store.MarkNotified(key, newest); err != nil {
			logger.Error("Failed to persist notification marker for %s: %v", key, err)
		}
		events = append(events, event)
		logger.Info("Movement %s %s %.2f%% (%.4f -> %.4f)", key, event.Direction, pct, old, curr)
	}

	logger.Debug("Checked %d full windows, %d movements above %.2f%%", checked, len(events), d.config.Threshold)
	return events
}
