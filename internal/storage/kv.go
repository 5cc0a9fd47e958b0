// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for empty or path-like keys.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("storage: unknown backend")
)

// =============================================================================
// INTERFACE
// =============================================================================

// KV is a minimal key/value store. Values are stored and returned whole.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// Path is the directory for BackendFile and the database file for BackendSQLite.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	// RedisAddrs lists one address, or several for a cluster.
	RedisAddrs    []string
	RedisPassword string
	RedisPrefix   string
}

// Open constructs the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(opts.Path)
	case BackendSQLite:
		return OpenSQLite(ctx, opts.Path)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.DSN)
	case BackendRedis:
		return NewRedis(opts.RedisAddrs, opts.RedisPassword, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

// Memory is a goroutine-safe in-process KV.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a copy of value.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Keys returns the stored keys.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
