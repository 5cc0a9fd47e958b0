// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key/value backends that hold client-side
// session state.
//
// # Key Types
//
//   - KV: Get/Put/Delete over opaque byte values
//   - Memory: in-process map, used by tests and short-lived tools
//   - File: one JSON file per key, written atomically
//   - SQL: a single table in SQLite or PostgreSQL
//   - Redis: namespaced keys in a Redis server or cluster
//
// # Usage
//
//	kv, err := storage.Open(ctx, storage.Options{Backend: storage.BackendFile, Path: dir})
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
//
// Every backend returns ErrNotFound from Get when the key is absent and
// treats Delete of a missing key as success.
package storage
