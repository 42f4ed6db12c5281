package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
  tbl        TEXT    NOT NULL,
  url        TEXT    NOT NULL,
  context    TEXT    NOT NULL,
  value      TEXT    NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (tbl, url, context)
)`

// SQLiteBackend persists records in a SQLite database file.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite backend at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// View runs fn against the database outside a transaction, so readers
// never wait on the write lock.
func (b *SQLiteBackend) View(ctx context.Context, fn func(Tx) error) error {
	return fn(&sqlTx{ctx: ctx, tx: b.db})
}

// Update runs fn inside an immediate transaction and commits if fn
// succeeds.
func (b *SQLiteBackend) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlTx struct {
	ctx context.Context
	tx  querier
}

func (t *sqlTx) Get(table Table, key Key) ([]byte, bool, error) {
	var value string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM records WHERE tbl = ? AND url = ? AND context = ?`,
		string(table), key.URL, key.Context,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", table, err)
	}
	return []byte(value), true, nil
}

func (t *sqlTx) Put(table Table, key Key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO records (tbl, url, context, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tbl, url, context) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		string(table), key.URL, key.Context, string(value), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (t *sqlTx) Delete(table Table, key Key) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM records WHERE tbl = ? AND url = ? AND context = ?`,
		string(table), key.URL, key.Context,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}
