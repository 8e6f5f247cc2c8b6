// Package localdb opens the client's SQLite replica and owns its schema: one
// generic table per synced table, plus the outbox, the key/value state and the
// merge drop counters.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/tables"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// State keys.
const (
	KeyCursor     = "last_sync_revision"
	KeyGeneration = "outbox_generation"
)

// Open opens (creating if needed) the replica at path and applies the schema.
// The pool is limited to one connection: SQLite has a single writer and an
// in-memory database only lives as long as its connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=off"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Quote returns ident as a quoted SQLite identifier.
func Quote(ident string) string { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

// tableDDL renders the generic local shape of a synced table.
func tableDDL(t tables.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", Quote(t.Name))
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	b.WriteString("\tuuid TEXT UNIQUE,\n")
	b.WriteString("\tdata TEXT NOT NULL DEFAULT '{}',\n")
	for _, r := range t.Relations {
		fmt.Fprintf(&b, "\t%s INTEGER,\n", Quote(r.Column))
	}
	b.WriteString("\tis_deleted INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\trevision INTEGER NOT NULL DEFAULT 0,\n")
	b.WriteString("\tcreated_at TEXT,\n")
	b.WriteString("\tupdated_at TEXT\n")
	b.WriteString(")")
	return b.String()
}

var metaDDL = []string{
	`CREATE TABLE IF NOT EXISTS _lexsync_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at TEXT,
		sync_generation INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS _lexsync_outbox_pending ON _lexsync_outbox (acknowledged, record_id)`,
	`CREATE TABLE IF NOT EXISTS _lexsync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS _lexsync_drops (
		record_id TEXT PRIMARY KEY,
		count INTEGER NOT NULL
	)`,
}

// Migrate creates every table that does not exist yet. It is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	for _, t := range tables.Ordered() {
		if _, err := q.ExecContext(ctx, tableDDL(t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	for _, stmt := range metaDDL {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create meta tables: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// GetInt reads an integer state value; missing keys read as 0.
func GetInt(ctx context.Context, q Querier, key string) (int64, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM _lexsync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read state %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state %s=%q: %w", key, v, err)
	}
	return n, nil
}

// SetInt writes an integer state value.
func SetInt(ctx context.Context, q Querier, key string, v int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO _lexsync_state (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(v, 10))
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

// Cursor returns the last merged server revision.
func Cursor(ctx context.Context, q Querier) (int64, error) { return GetInt(ctx, q, KeyCursor) }

// SetCursor stores the last merged server revision.
func SetCursor(ctx context.Context, q Querier, v int64) error { return SetInt(ctx, q, KeyCursor, v) }

// LocalID resolves a record id to the local integer key of table.
func LocalID(ctx context.Context, q Querier, table, recordID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM `+Quote(table)+` WHERE uuid = ?`, recordID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup %s uuid: %w", table, err)
	}
	return id, nil
}

// RecordID resolves a local integer key of table to its record id. Rows that
// never received one yield ErrNotFound.
func RecordID(ctx context.Context, q Querier, table string, localID int64) (string, error) {
	var id sql.NullString
	err := q.QueryRowContext(ctx, `SELECT uuid FROM `+Quote(table)+` WHERE id = ?`, localID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (!id.Valid || id.String == "")) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s id: %w", table, err)
	}
	return id.String, nil
}
