package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ctfops_records (
  tbl        TEXT        NOT NULL,
  url        TEXT        NOT NULL,
  context    TEXT        NOT NULL,
  value      JSONB       NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tbl, url, context)
)`

// PostgresBackend persists records in PostgreSQL. Updates take a
// transaction-scoped advisory lock per record, so read-modify-write
// cycles on the same record never interleave.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the records table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// View runs fn inside a read-only transaction.
func (b *PostgresBackend) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&pgTx{ctx: ctx, tx: tx})
}

// Update runs fn inside a transaction and commits if fn succeeds.
func (b *PostgresBackend) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgTx{ctx: ctx, tx: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	lock bool
}

func (t *pgTx) acquire(table Table, key Key) error {
	if !t.lock {
		return nil
	}
	_, err := t.tx.Exec(t.ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || chr(0) || $2 || chr(0) || $3))`,
		string(table), key.URL, key.Context)
	if err != nil {
		return fmt.Errorf("lock %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) Get(table Table, key Key) ([]byte, bool, error) {
	if err := t.acquire(table, key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT value FROM ctfops_records WHERE tbl = $1 AND url = $2 AND context = $3`,
		string(table), key.URL, key.Context,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", table, err)
	}
	return value, true, nil
}

func (t *pgTx) Put(table Table, key Key, value []byte) error {
	if err := t.acquire(table, key); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO ctfops_records (tbl, url, context, value, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, now())
		 ON CONFLICT (tbl, url, context) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		string(table), key.URL, key.Context, string(value),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) Delete(table Table, key Key) error {
	if err := t.acquire(table, key); err != nil {
		return err
	}
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM ctfops_records WHERE tbl = $1 AND url = $2 AND context = $3`,
		string(table), key.URL, key.Context,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}
