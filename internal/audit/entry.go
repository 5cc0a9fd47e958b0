// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit formats and fans out security audit entries.
//
// The package does not store entries itself; a Sink delivers each entry to
// whatever log pipeline the deployment uses.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry is one security-relevant transition.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id"`
	UserName  string            `json:"user_name,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Action    string            `json:"action"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Line renders the entry as a single human-readable line:
//
//	2025-06-15 14:03:00 | STEPUP_OTP_VERIFIED | user=admin-1 (Kim) | session=... | OTP verified | SUCCESS | request_id=w-1
func (e Entry) Line() string {
	user := e.UserID
	if e.UserName != "" {
		user = fmt.Sprintf("%s (%s)", e.UserID, e.UserName)
	}

	status := "SUCCESS"
	if !e.Success {
		status = "FAILURE"
		if e.Error != "" {
			status = "FAILURE: " + e.Error
		}
	}

	parts := []string{
		e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		e.EventType,
		"user=" + user,
		"session=" + e.SessionID,
		e.Action,
		status,
	}
	if md := formatMetadata(e.Metadata); md != "" {
		parts = append(parts, md)
	}
	return strings.Join(parts, " | ")
}

// JSON encodes the entry.
func (e Entry) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+md[k])
	}
	return strings.Join(pairs, " ")
}
