package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spotdesk/assistant/internal/metrics"
)

// Schema creates the table shared by every Postgres-backed document.
const Schema = `
CREATE TABLE IF NOT EXISTS entry_documents (
	document   TEXT        NOT NULL,
	symbol     TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document, symbol)
);`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply entry store schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store with one row per (document, symbol).
// Mutations take a transaction-scoped advisory lock on the document name,
// which serializes writers across processes as well as goroutines.
type PostgresStore[V any] struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgresStore creates a PostgreSQL-backed store for one document.
func NewPostgresStore[V any](pool *pgxpool.Pool, name string) *PostgresStore[V] {
	return &PostgresStore[V]{pool: pool, name: name}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore[V]) Load(ctx context.Context) (map[string]V, error) {
	return s.read(ctx, s.pool)
}

func (s *PostgresStore[V]) Save(ctx context.Context, data map[string]V) error {
	return s.Update(ctx, func(current map[string]V) error {
		for k := range current {
			delete(current, k)
		}
		for k, v := range data {
			current[k] = v
		}
		return nil
	})
}

func (s *PostgresStore[V]) SetOne(ctx context.Context, symbol string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s entry %s: %w", s.name, symbol, err)
	}
	return s.locked(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO entry_documents (document, symbol, value, updated_at)
			 VALUES ($1, $2, $3::JSONB, now())
			 ON CONFLICT (document, symbol)
			 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			s.name, NormalizeSymbol(symbol), string(raw))
		return err
	})
}

func (s *PostgresStore[V]) Delete(ctx context.Context, symbol string) error {
	return s.locked(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM entry_documents WHERE document = $1 AND symbol = $2`,
			s.name, NormalizeSymbol(symbol))
		return err
	})
}

func (s *PostgresStore[V]) Update(ctx context.Context, fn func(map[string]V) error) error {
	return s.locked(ctx, func(tx pgx.Tx) error {
		data, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
		return s.replace(ctx, tx, normalizeKeys(data))
	})
}

// locked runs fn in a transaction holding the document advisory lock.
func (s *PostgresStore[V]) locked(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s store tx: %w", s.name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "entry_documents:"+s.name); err != nil {
		return fmt.Errorf("lock %s store: %w", s.name, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore[V]) read(ctx context.Context, q querier) (map[string]V, error) {
	rows, err := q.Query(ctx,
		`SELECT symbol, value::TEXT FROM entry_documents WHERE document = $1`, s.name)
	if err != nil {
		return nil, fmt.Errorf("load %s store: %w", s.name, err)
	}
	defer rows.Close()

	data := make(map[string]V)
	for rows.Next() {
		var symbol, raw string
		if err := rows.Scan(&symbol, &raw); err != nil {
			return nil, err
		}
		var v V
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			slog.Warn("skipping unreadable entry row",
				"store", s.name,
				"symbol", symbol,
				"err", err,
			)
			metrics.CorruptStoreLoads.WithLabelValues(s.name).Inc()
			continue
		}
		data[NormalizeSymbol(symbol)] = v
	}
	return data, rows.Err()
}

func (s *PostgresStore[V]) replace(ctx context.Context, tx pgx.Tx, data map[string]V) error {
	if _, err := tx.Exec(ctx, `DELETE FROM entry_documents WHERE document = $1`, s.name); err != nil {
		return fmt.Errorf("clear %s store: %w", s.name, err)
	}

	batch := &pgx.Batch{}
	for symbol, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s entry %s: %w", s.name, symbol, err)
		}
		batch.Queue(
			`INSERT INTO entry_documents (document, symbol, value, updated_at)
			 VALUES ($1, $2, $3::JSONB, now())`,
			s.name, symbol, string(raw))
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, batch).Close()
}
