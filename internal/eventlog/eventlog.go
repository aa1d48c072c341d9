// Package eventlog is the append-only diagnostic log of the station,
// stored in SQLite.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind classifies an entry.
type Kind string

const (
	KindDock     Kind = "dock"
	KindSwap     Kind = "swap"
	KindArmFault Kind = "arm_fault"
	KindCharging Kind = "charging"
	KindCleaning Kind = "cleaning"
	KindSolar    Kind = "solar"
	KindFault    Kind = "fault"
	KindCommand  Kind = "command"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    id        TEXT NOT NULL UNIQUE,
    timestamp TEXT NOT NULL,
    kind      TEXT NOT NULL,
    payload   TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
`

const timeLayout = time.RFC3339Nano

// Entry is one row of the log.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Log wraps the SQLite database connection.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the log database and runs migrations.
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Append stores payload, marshalled to JSON, under kind.
func (l *Log) Append(ctx context.Context, kind Kind, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   data,
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (id, timestamp, kind, payload) VALUES (?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(timeLayout), string(e.Kind), string(data))
	if err != nil {
		return Entry{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// List returns the newest entries first. An empty kind matches every kind.
func (l *Log) List(ctx context.Context, limit int, kind Kind) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT id, timestamp, kind, payload FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var ts, k, payload string
		if err := rows.Scan(&e.ID, &ts, &k, &payload); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		e.Kind = Kind(k)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
