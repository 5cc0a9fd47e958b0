// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the minimal client-side projection of an
// administrator's login.
//
// Only the user id, role, display name, expiry and session id are stored.
// Tokens and the full user object never are; the long-lived credential
// lives in a server-set cookie that the logout endpoint clears.
//
// # Key Types
//
//   - Record: the stored projection
//   - LegacyRecord: the deprecated full-object shape, read and migrated only
//   - Store: Load/Save/Clear over a storage.KV with lazy expiry
//   - Monitor: periodic expiry check with warning and expired callbacks
//
// # Usage
//
//	store := session.NewStore(kv)
//	rec, ok, err := store.Load(ctx)
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    // Send the user to the login page.
//	}
//
// Watch for expiry while the admin UI is mounted:
//
//	h := session.NewMonitor(store, session.OnExpired(logout)).Start(ctx)
//	defer h.Stop()
package session
