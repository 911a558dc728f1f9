package tlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on at for pruning
const currentSchemaVersion = 1

var Logger = logger.GetLogger("tlog")

// Event is a single recorded state change of a unit.
type Event struct {
	Seq    int64     `json:"seq"`
	UnitID string    `json:"unit_id"`
	State  string    `json:"state"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Log is a SQLite backed transaction log.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the log at path. ":memory:" opens a private in-memory log.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect transaction log: %w", err)
	}

	// sqlite has a single writer, an in-memory database also lives on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	Logger.Debugf("transaction log opened at %s", path)
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append records a state change of a unit.
func (l *Log) Append(ctx context.Context, unitID, state, note string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO unit_events (unit_id, state, note, at) VALUES (?, ?, ?, ?)`,
		unitID, state, note, l.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", state, unitID, err)
	}
	return nil
}

// History returns all events of a unit, oldest first.
func (l *Log) History(ctx context.Context, unitID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, unit_id, state, note, at FROM unit_events WHERE unit_id = ? ORDER BY seq`,
		unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", unitID, err)
	}
	return scanEvents(rows)
}

// Known reports whether any event was ever recorded for the unit.
func (l *Log) Known(ctx context.Context, unitID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_events WHERE unit_id = ?`, unitID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", unitID, err)
	}
	return n > 0, nil
}

// Latest returns the most recent event of every unit whose latest state is one of states.
// Without states it returns the latest event of every unit.
func (l *Log) Latest(ctx context.Context, states ...string) ([]Event, error) {
	query := `
		SELECT e.seq, e.unit_id, e.state, e.note, e.at
		FROM unit_events e
		JOIN (SELECT unit_id, MAX(seq) AS seq FROM unit_events GROUP BY unit_id) last
		  ON e.seq = last.seq`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE e.state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY e.seq`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("latest events: %w", err)
	}
	return scanEvents(rows)
}

// Prune removes every event of the units whose latest event was recorded
// before the given time. With states only units whose latest state is one of
// them are pruned. It returns the number of removed events.
func (l *Log) Prune(ctx context.Context, before time.Time, states ...string) (int64, error) {
	query := `
		DELETE FROM unit_events WHERE unit_id IN (
			SELECT e.unit_id
			FROM unit_events e
			JOIN (SELECT unit_id, MAX(seq) AS seq FROM unit_events GROUP BY unit_id) last
			  ON e.seq = last.seq
			WHERE e.at < ?`
	args := []any{before.UnixNano()}
	if len(states) > 0 {
		query += ` AND e.state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += `)`

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			e  Event
			at int64
		)
		if err := rows.Scan(&e.Seq, &e.UnitID, &e.State, &e.Note, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = time.Unix(0, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_unit_events_at ON unit_events(at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
