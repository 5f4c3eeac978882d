package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nsready/internal/model"
)

const sqliteUpsert = `INSERT INTO ingest_events (
		time, device_id, parameter_key, value, quality, source, event_id, attributes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (time, device_id, parameter_key) DO UPDATE SET
		value = excluded.value,
		quality = excluded.quality,
		source = excluded.source,
		event_id = excluded.event_id,
		attributes = excluded.attributes`

// SQLiteStore is the single-node store used for local runs and tests. It
// carries a minimal devices table so the foreign key behaves like the
// registry's.
type SQLiteStore struct {
	baseStore
}

func NewSQLite(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:nsready.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{baseStore{db: db}}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ingest_events (
			time TEXT NOT NULL,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			parameter_key TEXT NOT NULL,
			value REAL,
			quality INTEGER NOT NULL DEFAULT 0 CHECK (quality BETWEEN 0 AND 255),
			source TEXT NOT NULL,
			event_id TEXT,
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			PRIMARY KEY (time, device_id, parameter_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_events_device_time ON ingest_events(device_id, time)`,
	})
}

func (s *SQLiteStore) UpsertRows(ctx context.Context, rows []model.IngestRow) error {
	return s.upsert(ctx, sqliteUpsert, rows, func(r model.IngestRow) []any {
		return []any{
			formatTime(r.Time),
			r.DeviceID,
			r.ParameterKey,
			nullFloat(r.Value),
			r.Quality,
			r.Source,
			r.EventID,
			encodeJSON(r.Attributes),
			formatTime(r.CreatedAt),
		}
	})
}

func (s *SQLiteStore) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	return s.deviceExists(ctx, `SELECT 1 FROM devices WHERE id = ?`, deviceID)
}

// RegisterDevice inserts a registry row; a no-op when the device exists.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, deviceID, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, deviceID, name)
	return Classify(err)
}

func (s *SQLiteStore) ListRows(ctx context.Context, deviceID string, limit int) ([]model.IngestRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, device_id, parameter_key, value, quality, source, COALESCE(event_id, ''), attributes, created_at
		FROM ingest_events WHERE device_id = ?
		ORDER BY time DESC, parameter_key LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()
	var out []model.IngestRow
	for rows.Next() {
		var (
			r                model.IngestRow
			value            sql.NullFloat64
			ts, created, att string
		)
		if err := rows.Scan(&ts, &r.DeviceID, &r.ParameterKey, &value, &r.Quality, &r.Source, &r.EventID, &att, &created); err != nil {
			return nil, Classify(err)
		}
		if r.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse time %q: %w", ts, err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.Value = floatPtr(value)
		r.Attributes = decodeJSON(att)
		out = append(out, r)
	}
	return out, Classify(rows.Err())
}

// sqliteTimeLayout is fixed width so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime gives every instant exactly one textual form so the
// (time, device_id, parameter_key) key compares correctly.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
