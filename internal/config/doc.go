// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the custody admin core configuration.
//
// # Configuration Precedence
//
// Values are resolved in this order, highest first:
//   - Environment variables (CUSTODY_ADMIN_*), optionally seeded from a .env file
//   - The TOML file passed to Load
//   - Built-in defaults
//
// # Sections
//
//   - [session]: storage keys, refresh window, expiry monitor timing, token signing key
//   - [storage]: KV backend (memory, file, sqlite, postgres, redis)
//   - [totp]: enrollment issuer and QR size
//   - [stepup]: step lifetimes, attempt budget, SMS cooldown, verification API
//   - [audit]: audit file path and rotation size
//
// # Usage
//
//	_ = config.LoadDotEnv(".env")
//	cfg, err := config.Load("/etc/custody-admin/config.toml")
//	if err != nil {
//	    return err
//	}
//	go config.Watch(ctx, path, apply, config.UpdateGlobal())
package config
