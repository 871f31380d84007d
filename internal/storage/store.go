// Package storage provides the JSON-backed price store and nickname map.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/models"
)

// lastUpdatedKey sits beside the token keys in the persisted object.
const lastUpdatedKey = "last_updated"

// DefaultWindow is the number of price samples kept per token.
const DefaultWindow = 20

// ErrNotFound is returned for lookups of untracked tokens.
var ErrNotFound = errors.New("token not found")

// Update is one token's scrape result fed into Merge. Nil fields mean the
// value was not observed this cycle.
type Update struct {
	Key       string
	URL       string
	Price     *float64
	Volume    *float64
	MintRatio *int
}

// TrackedToken is a key and the page it is scraped from.
type TrackedToken struct {
	Key string
	URL string
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	LastUpdated string
	Records     map[string]models.TokenRecord
}

// Keys returns the snapshot's token keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Records))
	for k := range s.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is the single owner of tracked token state. Every mutation runs
// read-merge-persist under one mutex.
type Store struct {
	mu          sync.Mutex
	path        string
	window      int
	now         func() time.Time
	records     map[string]*models.TokenRecord
	lastUpdated string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the store at path. A missing or corrupt file yields an empty
// store that is written back immediately; failing that write is the only
// error returned.
func Open(path string, window int, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if window < 1 {
		window = DefaultWindow
	}
	s := &Store{
		path:    path,
		window:  window,
		now:     time.Now,
		records: make(map[string]*models.TokenRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	records, lastUpdated, err := s.load()
	if err == nil && records != nil {
		s.records = records
		s.lastUpdated = lastUpdated
		logger.Info("Loaded %d tracked tokens from %s", len(records), path)
		return s, nil
	}
	if err != nil {
		logger.Warn("Price store unreadable, starting empty: %v", err)
		quarantine(path)
	}
	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to create price store: %w", err)
	}
	return s, nil
}

// load reads the backing file. It returns nil records for a missing file.
func (s *Store) load() (map[string]*models.TokenRecord, string, error) {
	obj, err := readObject(s.path)
	if err != nil || obj == nil {
		return nil, "", err
	}

	records := make(map[string]*models.TokenRecord, len(obj))
	var lastUpdated string
	for key, raw := range obj {
		if key == lastUpdatedKey {
			if err := json.Unmarshal(raw, &lastUpdated); err != nil {
				logger.Warn("Ignoring malformed %s in %s", lastUpdatedKey, s.path)
			}
			continue
		}
		var rec models.TokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn("Dropping unreadable record %s: %v", key, err)
			continue
		}
		s.repair(key, &rec)
		records[key] = &rec
	}
	return records, lastUpdated, nil
}

// repair restores record invariants on data read from disk.
func (s *Store) repair(key string, rec *models.TokenRecord) {
	if err := rec.Validate(); err != nil {
		logger.Warn("Repairing record %s: %v", key, err)
	}
	if rec.MintRatio < 1 {
		rec.MintRatio = 1
	}
	if rec.Prices == nil {
		rec.Prices = []float64{}
	}
	if rec.Timestamps == nil {
		rec.Timestamps = []string{}
	}
	// keep the newest aligned samples
	n := len(rec.Prices)
	if len(rec.Timestamps) < n {
		n = len(rec.Timestamps)
	}
	if n > s.window {
		n = s.window
	}
	rec.Prices = rec.Prices[len(rec.Prices)-n:]
	rec.Timestamps = rec.Timestamps[len(rec.Timestamps)-n:]
}

// persist writes the in-memory state. Callers hold mu, except Open.
func (s *Store) persist() error {
	obj := make(map[string]interface{}, len(s.records)+1)
	for key, rec := range s.records {
		obj[key] = rec
	}
	if s.lastUpdated != "" {
		obj[lastUpdatedKey] = s.lastUpdated
	}
	return writeJSON(s.path, obj)
}

// Merge applies a batch of scrape results and persists once after the whole
// batch is applied. An invalid update is skipped without blocking the rest.
// A persist failure is returned; the in-memory state is kept either way.
func (s *Store) Merge(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := models.FormatTimestamp(s.now())
	for _, u := range updates {
		if u.Key == "" || u.Key == lastUpdatedKey {
			logger.Warn("Skipping update with invalid key %q", u.Key)
			continue
		}
		rec, ok := s.records[u.Key]
		if !ok {
			rec = models.NewTokenRecord(u.URL)
			s.records[u.Key] = rec
		}
		if rec.URL == "" {
			rec.URL = u.URL
		}

		if u.Price != nil && models.IsNumber(*u.Price) {
			rec.Append(*u.Price, stamp, s.window)
		} else if last, ok := rec.LatestPrice(); ok {
			logger.Warn("No usable price for %s, repeating last value %v", u.Key, last)
			rec.Append(last, stamp, s.window)
		} else {
			logger.Warn("No usable price for %s and no history, skipping sample", u.Key)
		}

		if u.Volume != nil && models.IsNumber(*u.Volume) {
			rec.Volume = *u.Volume
		}
		if u.MintRatio != nil && *u.MintRatio >= 1 {
			rec.MintRatio = *u.MintRatio
		}
	}
	s.lastUpdated = stamp

	return s.persist()
}

// SetMintRatio overrides the tokens-per-mint of an existing record.
func (s *Store) SetMintRatio(key string, ratio int) error {
	if ratio < 1 {
		return fmt.Errorf("tokens per mint must be at least 1, got %d", ratio)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.MintRatio == ratio {
		return nil
	}
	rec.MintRatio = ratio
	return s.persist()
}

// MarkNotified records that a notification fired for the sample at stamp
// and persists immediately.
func (s *Store) MarkNotified(key, stamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.LastNotified = models.Marker(stamp)
	return s.persist()
}

// Get copies out one record.
func (s *Store) Get(key string) (models.TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return models.TokenRecord{}, false
	}
	return rec.Clone(), true
}

// Contains reports whether key is tracked.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

// Targets copies out the scrape target of every record, sorted by key.
func (s *Store) Targets() []TrackedToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackedToken, 0, len(s.records))
	for key, rec := range s.records {
		out = append(out, TrackedToken{Key: key, URL: rec.URL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot copies out the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		LastUpdated: s.lastUpdated,
		Records:     make(map[string]models.TokenRecord, len(s.records)),
	}
	for key, rec := range s.records {
		snap.Records[key] = rec.Clone()
	}
	return snap
}

// LastUpdated is the time of the most recent merge, or "" if none.
func (s *Store) LastUpdated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// Len is the number of tracked tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Reload replaces an empty in-memory store with the backing file's contents
// when the file has data. It reports whether anything was loaded.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) > 0 {
		return false, nil
	}
	records, lastUpdated, err := s.load()
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	s.records = records
	s.lastUpdated = lastUpdated
	return true, nil
}
