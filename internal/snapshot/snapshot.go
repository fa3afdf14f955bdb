package snapshot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"inkcal/internal/model"
)

const currentVersion = 1

// ErrNoSnapshot is returned by Latest on an empty store.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Snapshot is the committed result of one refresh cycle.
type Snapshot struct {
	ID          string        `json:"id"`
	TakenAt     time.Time     `json:"taken_at"`
	WindowStart time.Time     `json:"window_start"`
	Days        int           `json:"days"`
	Stats       model.Stats   `json:"stats"`
	Entries     []model.Entry `json:"entries"`
	// Errors holds one message per calendar that failed in the cycle.
	Errors []string `json:"errors,omitempty"`
}

// Store persists snapshots in SQLite so the last good result survives
// restarts and failed refreshes.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS snapshots (
		id              TEXT PRIMARY KEY,
		taken_at        TEXT NOT NULL,
		window_start    TEXT NOT NULL,
		days            INTEGER NOT NULL,
		total_events    INTEGER NOT NULL DEFAULT 0,
		total_relevant  INTEGER NOT NULL DEFAULT 0,
		errors          TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS entries (
		snapshot_id  TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		name         TEXT NOT NULL,
		location     TEXT NOT NULL DEFAULT '',
		time_range   TEXT NOT NULL DEFAULT '',
		timestamp    TEXT NOT NULL,
		day          INTEGER NOT NULL,
		tie_break    INTEGER NOT NULL DEFAULT 0,
		bg_colour    INTEGER NOT NULL,
		fg_colour    INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// Save stores snap and its entries in one transaction.
func (s *Store) Save(snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id is empty")
	}
	errs, err := json.Marshal(snap.Errors)
	if err != nil {
		return err
	}
	if snap.Errors == nil {
		errs = []byte("[]")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO snapshots (id, taken_at, window_start, days, total_events, total_relevant, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, formatTakenAt(snap.TakenAt), formatTime(snap.WindowStart), snap.Days,
		int64(snap.Stats.TotalEvents), int64(snap.Stats.TotalRelevantEvents), string(errs),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO entries (snapshot_id, seq, name, location, time_range, timestamp, day, tie_break, bg_colour, fg_colour)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range snap.Entries {
		_, err := stmt.Exec(snap.ID, i, e.Name, e.Location, e.Time, formatTime(e.Timestamp),
			e.Day, e.SortTieBreak, int(e.BgColour), int(e.FgColour))
		if err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recently taken snapshot.
func (s *Store) Latest() (Snapshot, error) {
	var (
		snap                 Snapshot
		takenAt, windowStart string
		total, relevant      int64
		errs                 string
	)
	err := s.db.QueryRow(
		`SELECT id, taken_at, window_start, days, total_events, total_relevant, errors
		 FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT 1`,
	).Scan(&snap.ID, &takenAt, &windowStart, &snap.Days, &total, &relevant, &errs)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}

	if snap.TakenAt, err = parseTime(takenAt); err != nil {
		return Snapshot{}, err
	}
	if snap.WindowStart, err = parseTime(windowStart); err != nil {
		return Snapshot{}, err
	}
	snap.Stats = model.Stats{TotalEvents: uint64(total), TotalRelevantEvents: uint64(relevant)}
	if err := json.Unmarshal([]byte(errs), &snap.Errors); err != nil {
		return Snapshot{}, fmt.Errorf("decode errors: %w", err)
	}
	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}

	snap.Entries, err = s.entries(snap.ID)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) entries(id string) ([]model.Entry, error) {
	rows, err := s.db.Query(
		`SELECT name, location, time_range, timestamp, day, tie_break, bg_colour, fg_colour
		 FROM entries WHERE snapshot_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.Entry{}
	for rows.Next() {
		var (
			e      model.Entry
			ts     string
			bg, fg int
		)
		if err := rows.Scan(&e.Name, &e.Location, &e.Time, &ts, &e.Day, &e.SortTieBreak, &bg, &fg); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.BgColour, e.FgColour = model.Colour(bg), model.Colour(fg)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *Store) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(
		`DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// takenAtLayout sorts lexically in time order.
const takenAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTakenAt(t time.Time) string {
	return t.UTC().Format(takenAtLayout)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
