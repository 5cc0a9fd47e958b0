// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// BACKEND CONFORMANCE
// =============================================================================

func runKVSuite(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "admin_session")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "admin_session", []byte(`{"userId":"u1"}`)))
	got, err := kv.Get(ctx, "admin_session")
	require.NoError(t, err)
	require.Equal(t, `{"userId":"u1"}`, string(got))

	require.NoError(t, kv.Put(ctx, "admin_session", []byte(`{"userId":"u2"}`)))
	got, err = kv.Get(ctx, "admin_session")
	require.NoError(t, err)
	require.Equal(t, `{"userId":"u2"}`, string(got))

	require.NoError(t, kv.Delete(ctx, "admin_session"))
	_, err = kv.Get(ctx, "admin_session")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, kv.Delete(ctx, "admin_session"))

	require.ErrorIs(t, kv.Put(ctx, "", []byte("x")), ErrInvalidKey)
	require.ErrorIs(t, kv.Put(ctx, "../escape", []byte("x")), ErrInvalidKey)
}

func TestMemory(t *testing.T) {
	runKVSuite(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	buf := []byte("abc")
	require.NoError(t, m.Put(ctx, "k", buf))
	buf[0] = 'z'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	got[0] = 'y'
	again, _ := m.Get(ctx, "k")
	require.Equal(t, "abc", string(again))
	require.Equal(t, []string{"k"}, m.Keys())
}

func TestMemoryConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Put(ctx, "k", []byte("v"))
			_, _ = m.Get(ctx, "k")
			_ = m.Delete(ctx, "k")
		}()
	}
	wg.Wait()
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFile(dir)
	require.NoError(t, err)
	runKVSuite(t, kv)
}

func TestFileWritesWithRestrictedPermissions(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), "admin_session", []byte("{}")))

	info, err := os.Stat(filepath.Join(dir, "admin_session.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSQLite(t *testing.T) {
	kv, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer kv.Close()
	runKVSuite(t, kv)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, Options{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, kv)

	kv, err = Open(ctx, Options{Backend: BackendFile, Path: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &File{}, kv)

	_, err = Open(ctx, Options{Backend: "etcd"})
	require.ErrorIs(t, err, ErrUnknownBackend)

	_, err = Open(ctx, Options{Backend: BackendPostgres})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	kv, err := NewRedis([]string{addr}, os.Getenv("REDIS_PASSWORD"), "custody-admin-test")
	require.NoError(t, err)
	defer kv.Close()
	runKVSuite(t, kv)
}

// =============================================================================
// POSTGRES DIALECT (sqlmock)
// =============================================================================

func newMockSQL(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQL(db, DialectPostgres), mock
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockSQL(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockSQL(t)
	q := regexp.QuoteMeta("SELECT value FROM kv_entries WHERE name = $1")

	mock.ExpectQuery(q).WithArgs("admin_session").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"userId":"u1"}`)))
	mock.ExpectQuery(q).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectQuery(q).WithArgs("broken").
		WillReturnError(errors.New("connection reset"))

	ctx := context.Background()
	got, err := s.Get(ctx, "admin_session")
	require.NoError(t, err)
	require.Equal(t, `{"userId":"u1"}`, string(got))

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "broken")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutAndDelete(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries (name, value, updated_at) VALUES ($1, $2, $3)")).
		WithArgs("admin_session", []byte("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM kv_entries WHERE name = $1")).
		WithArgs("admin_session").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "admin_session", []byte("{}")))
	require.NoError(t, s.Delete(ctx, "admin_session"))
	require.NoError(t, mock.ExpectationsWereMet())
}
