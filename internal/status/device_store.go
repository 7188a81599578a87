package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// UnitSwitch holds on/off state: NValue 1 when running.
	UnitSwitch = 1
	// UnitInfo holds a JSON document describing the last transition.
	UnitInfo = 2
)

var deviceNames = map[int]string{
	UnitSwitch: "MCP Server Status",
	UnitInfo:   "MCP Server Info",
}

// ErrNoDevice is returned when a unit has never been written.
var ErrNoDevice = errors.New("status: device not found")

// Device is the persisted state of one status unit.
type Device struct {
	Unit      int
	Name      string
	NValue    int
	SValue    string
	UpdatedAt time.Time
}

// InfoFunc supplies extra fields merged into the info device document for
// the outcome being reported.
type InfoFunc func(ctx context.Context, o Outcome) map[string]any

// DeviceStore persists status devices and an outcome history in SQLite so
// the host can display them without talking to the server.
type DeviceStore struct {
	db *sql.DB

	mu   sync.RWMutex
	info InfoFunc
}

// OpenDeviceStore opens (creating if needed) the database at path.
// ":memory:" is accepted for tests.
func OpenDeviceStore(path string) (*DeviceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("status db wal: %w", err)
		}
	}
	if err := migrateDevices(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DeviceStore{db: db}, nil
}

func migrateDevices(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			unit INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			n_value INTEGER NOT NULL,
			s_value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			address TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_at ON outcomes(at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate status db: %w", err)
		}
	}
	return nil
}

// SetInfoSource installs a provider of extra info fields.
func (s *DeviceStore) SetInfoSource(f InfoFunc) {
	s.mu.Lock()
	s.info = f
	s.mu.Unlock()
}

// Report updates both devices and appends the outcome to the history.
func (s *DeviceStore) Report(ctx context.Context, o Outcome) error {
	doc := map[string]any{
		"status":     o.Message(),
		"state":      o.State.String(),
		"address":    o.Address,
		"attempt_id": o.AttemptID,
		"attempts":   o.Attempts,
		"last_check": o.At.Format(time.RFC3339),
	}
	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()
	if info != nil {
		for k, v := range info(ctx, o) {
			if _, taken := doc[k]; !taken {
				doc[k] = v
			}
		}
	}
	text, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode info device: %w", err)
	}

	nValue, sValue := 0, "Off"
	if o.IsRunning() {
		nValue, sValue = 1, "On"
	}
	now := time.Now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("status db begin: %w", err)
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO devices(unit, name, n_value, s_value, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(unit) DO UPDATE SET n_value = excluded.n_value, s_value = excluded.s_value, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, UnitSwitch, deviceNames[UnitSwitch], nValue, sValue, now); err != nil {
		return fmt.Errorf("update switch device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, UnitInfo, deviceNames[UnitInfo], 0, string(text), now); err != nil {
		return fmt.Errorf("update info device: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outcomes(attempt_id, state, reason, address, attempts, at) VALUES(?, ?, ?, ?, ?, ?)`,
		o.AttemptID, o.State.String(), o.Reason, o.Address, o.Attempts, o.At.UnixNano()); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return tx.Commit()
}

// Device returns the stored state of unit.
func (s *DeviceStore) Device(ctx context.Context, unit int) (Device, error) {
	var (
		d  Device
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT unit, name, n_value, s_value, updated_at FROM devices WHERE unit = ?`, unit).
		Scan(&d.Unit, &d.Name, &d.NValue, &d.SValue, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNoDevice
	}
	if err != nil {
		return Device{}, fmt.Errorf("read device %d: %w", unit, err)
	}
	d.UpdatedAt = time.Unix(0, ts).UTC()
	return d, nil
}

// History returns up to limit outcomes, newest first.
func (s *DeviceStore) History(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, state, reason, address, attempts, at FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o     Outcome
			state string
			at    int64
		)
		if err := rows.Scan(&o.AttemptID, &state, &o.Reason, &o.Address, &o.Attempts, &at); err != nil {
			return nil, err
		}
		o.State = parseState(state)
		o.At = time.Unix(0, at).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *DeviceStore) Close() error { return s.db.Close() }

func parseState(v string) State {
	for _, st := range []State{StatePending, StateRunning, StateFailed, StateStopped} {
		if st.String() == v {
			return st
		}
	}
	return StatePending
}
