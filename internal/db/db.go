package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tphummel/building_energy/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultListLimit caps List when no positive limit is given.
const DefaultListLimit = 100

// timeLayout is fixed width so created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite connection holding the operator audit log.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
// The special path ":memory:" keeps the log for the lifetime of the process.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			floor      TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping() error {
	return d.conn.Ping()
}

// Record inserts an audit event.
func (d *DB) Record(e *models.Event) error {
	_, err := d.conn.Exec(`
		INSERT INTO audit_events (id, session_id, device_id, floor, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.DeviceID, e.Floor, e.Action, e.Detail,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// List returns the most recent events of a session, newest first. A
// non-positive limit uses DefaultListLimit.
func (d *DB) List(sessionID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := d.conn.Query(`
		SELECT id, session_id, device_id, floor, action, detail, created_at
		FROM audit_events WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByAction returns the number of recorded events per action across all
// sessions.
func (d *DB) CountByAction() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT action, COUNT(*) FROM audit_events GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// PurgeSession deletes every event of an expired session and returns how
// many rows were removed.
func (d *DB) PurgeSession(sessionID string) (int64, error) {
	res, err := d.conn.Exec(`DELETE FROM audit_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var e models.Event
	var createdAt string
	if err := rows.Scan(
		&e.ID, &e.SessionID, &e.DeviceID, &e.Floor,
		&e.Action, &e.Detail, &createdAt,
	); err != nil {
		return nil, err
	}
	var err error
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &e, nil
}
