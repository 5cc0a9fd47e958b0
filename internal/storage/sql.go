// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Dialect selects placeholder and column types.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQL stores keys in a single kv_entries table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQL wraps an open database. Call Migrate before first use.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidKey)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := NewSQL(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through the pgx stdlib driver and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidKey)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := NewSQL(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the kv_entries table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	stmt := `CREATE TABLE IF NOT EXISTS kv_entries (
	name TEXT PRIMARY KEY,
	value ` + blob + ` NOT NULL,
	updated_at BIGINT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// bind returns the n-th (1-based) placeholder for the dialect.
func (s *SQL) bind(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get reads the value for key.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE name = "+s.bind(1), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, nil
}

// Put upserts key.
func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO kv_entries (name, value, updated_at) VALUES (%s, %s, %s)
ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.bind(1), s.bind(2), s.bind(3))
	if _, err := s.db.ExecContext(ctx, stmt, key, value, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE name = "+s.bind(1), key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}
