package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLiteBackend keeps every key in a single SQLite table. The database runs
// in WAL mode so a watch session and one-shot commands can share the file.
type SQLiteBackend struct {
	db    *sql.DB
	path  string
	quota int64
}

func NewSQLiteBackend(path string, quotaBytes int64) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidDSN)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the pragmas in effect and serializes the quota
	// check with the write it guards.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return &SQLiteBackend{db: db, path: path, quota: quotaBytes}, nil
}

func (b *SQLiteBackend) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *SQLiteBackend) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if b.quota > 0 {
		var total int64
		err := tx.QueryRow(
			`SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(value)), 0) FROM kv WHERE key <> ?`,
			key,
		).Scan(&total)
		if err != nil {
			return err
		}
		if total+entrySize(key, value) > b.quota {
			return ErrQuotaExceeded
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Delete(key string) error {
	_, err := b.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Keys filters in Go: LIKE would treat the underscores in our prefixes as
// wildcards.
func (b *SQLiteBackend) Keys(prefix string) ([]string, error) {
	rows, err := b.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	if _, err := b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = b.db.Close()
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return b.db.Close()
}
