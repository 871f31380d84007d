// Package history provides a SQLite-backed ledger of movement alerts.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/runewatch/internal/models"
	_ "modernc.org/sqlite"
)

// Entry is one recorded movement event.
type Entry struct {
	ID         string
	Key        string
	Direction  models.Direction
	Percent    float64
	OldPrice   float64
	Price      float64
	Volume     float64
	MintRatio  int
	Timestamp  string
	DetectedAt time.Time
	Delivered  bool
}

// Ledger wraps a SQLite database of alerts.
type Ledger struct {
	db         *sql.DB
	maxEntries int
}

// Open opens or creates the ledger at dbPath. An empty dbPath defaults to
// $TMPDIR/runewatch/history.db; ":memory:" is accepted for tests.
func Open(dbPath string, maxEntries int) (*Ledger, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "runewatch", "history.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	if dbPath != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	if maxEntries < 1 {
		maxEntries = 10000
	}
	l := &Ledger{db: db, maxEntries: maxEntries}
	if err := l.createTables(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			token_key   TEXT NOT NULL,
			direction   TEXT NOT NULL,
			pct_change  REAL NOT NULL,
			old_price   REAL NOT NULL,
			price       REAL NOT NULL,
			volume      REAL NOT NULL,
			mint_ratio  INTEGER NOT NULL,
			sample_ts   TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			delivered   INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_key_detected ON alerts(token_key, detected_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record stores ev with its delivery outcome and trims the oldest rows
// beyond maxEntries.
func (l *Ledger) Record(ev models.MovementEvent, delivered bool) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO alerts
			(id, token_key, direction, pct_change, old_price, price, volume,
			 mint_ratio, sample_ts, detected_at, delivered)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Key, string(ev.Direction), ev.Percent, ev.OldPrice, ev.Price, ev.Volume,
		ev.MintRatio, ev.Timestamp, ev.DetectedAt.UnixNano(), boolToInt(delivered),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if _, err = tx.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY detected_at DESC LIMIT ?
		)`, l.maxEntries); err != nil {
		return fmt.Errorf("failed to enforce alert cap: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit newest entries, for key or for all tokens when
// key is empty.
func (l *Ledger) Recent(key string, limit int) ([]Entry, error) {
	query := `SELECT ` + entryCols + ` FROM alerts`
	args := []any{}
	if key != "" {
		query += ` WHERE token_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const entryCols = `id, token_key, direction, pct_change, old_price, price, volume,
	mint_ratio, sample_ts, detected_at, delivered`

func scanEntry(scan func(...any) error) (*Entry, error) {
	var e Entry
	var direction string
	var detectedAtNano int64
	var delivered int
	err := scan(
		&e.ID, &e.Key, &direction, &e.Percent, &e.OldPrice, &e.Price, &e.Volume,
		&e.MintRatio, &e.Timestamp, &detectedAtNano, &delivered,
	)
	if err != nil {
		return nil, err
	}
	e.Direction = models.Direction(direction)
	e.DetectedAt = time.Unix(0, detectedAtNano)
	e.Delivered = delivered != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
