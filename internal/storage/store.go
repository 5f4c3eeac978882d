package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nsready/internal/backoff"
	"nsready/internal/config"
	"nsready/internal/model"
)

// Store is the ingestion table. UpsertRows writes all rows of one event in
// a single transaction keyed by (time, device_id, parameter_key).
type Store interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	UpsertRows(ctx context.Context, rows []model.IngestRow) error
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

func NewStore(cfg config.DatabaseConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		s, err = NewSQLite(cfg.ConnString())
	case "postgres", "postgresql":
		s, err = NewPostgres(cfg.ConnString())
	default:
		return nil, errors.New("unsupported storage driver")
	}
	if err != nil {
		return nil, err
	}
	if b, ok := s.(interface{ pool() *sql.DB }); ok {
		if cfg.MaxConns > 0 {
			b.pool().SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			b.pool().SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	return s, nil
}

// Connect pings the store until it answers and, when initSchema is set,
// creates the ingestion schema. Exhausting the attempts is a fatal startup
// error.
func Connect(ctx context.Context, s Store, attempts int, delay time.Duration, initSchema bool, logger *slog.Logger) error {
	err := backoff.Retry(ctx, attempts, delay, s.Ping, func(attempt int, err error) {
		if logger != nil {
			logger.Warn("database connection attempt failed", "attempt", attempt, "max_retries", attempts, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if !initSchema {
		return nil
	}
	if err := s.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) pool() *sql.DB {
	return b.db
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	if b.db == nil {
		return errors.New("database not configured")
	}
	return b.db.PingContext(ctx)
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// upsert runs query once per row inside one transaction. Any failure rolls
// back every row of the batch.
func (b *baseStore) upsert(ctx context.Context, query string, rows []model.IngestRow, args func(model.IngestRow) []any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("begin: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return Classify(fmt.Errorf("prepare upsert: %w", err))
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, args(row)...); err != nil {
			_ = tx.Rollback()
			return Classify(fmt.Errorf("upsert %s/%s: %w", row.DeviceID, row.ParameterKey, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (b *baseStore) deviceExists(ctx context.Context, query, deviceID string) (bool, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, query, deviceID).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, Classify(err)
	}
	return true, nil
}

func encodeJSON(value any) string {
	if value == nil {
		return "{}"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeJSON(data string) map[string]any {
	out := map[string]any{}
	if data == "" {
		return out
	}
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
