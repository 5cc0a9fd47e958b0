// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/access"
)

// Record is the stored session projection. ExpiresAt is an absolute time and
// is persisted as Unix milliseconds.
type Record struct {
	UserID    string
	Role      access.Role
	Name      string
	ExpiresAt time.Time
	SessionID string
}

// Canonical returns r with ExpiresAt in its stored form: whole milliseconds
// in UTC. A canonical record loads back identical to what was saved.
func (r Record) Canonical() Record {
	r.ExpiresAt = CanonicalExpiry(r.ExpiresAt)
	return r
}

// CanonicalExpiry truncates t to milliseconds and converts it to UTC.
func CanonicalExpiry(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// LegacyRecord is the deprecated shape that stored the whole user.
type LegacyRecord struct {
	User      access.AdminUser
	ExpiresAt time.Time
	SessionID string
}

// Project reduces a legacy record to the current shape.
func (l LegacyRecord) Project() Record {
	return Record{
		UserID:    l.User.ID,
		Role:      l.User.Role,
		Name:      l.User.Name,
		ExpiresAt: l.ExpiresAt,
		SessionID: l.SessionID,
	}
}

var errMalformed = errors.New("session: malformed record")

// recordJSON is the current wire shape.
type recordJSON struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	ExpiresAt int64  `json:"expiresAt"`
	SessionID string `json:"sessionId,omitempty"`
}

// legacyJSON is the deprecated wire shape.
type legacyJSON struct {
	User      access.AdminUser `json:"user"`
	ExpiresAt int64            `json:"expiresAt"`
	SessionID string           `json:"sessionId,omitempty"`
}

// probeJSON reads only the discriminant.
type probeJSON struct {
	User json.RawMessage `json:"user"`
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(recordJSON{
		UserID:    r.UserID,
		Role:      string(r.Role),
		Name:      r.Name,
		ExpiresAt: r.ExpiresAt.UnixMilli(),
		SessionID: r.SessionID,
	})
}

// decoded is the result of decodeStored: exactly one of the shapes.
type decoded struct {
	record Record
	legacy bool
}

// decodeStored decodes either shape. The presence of a non-null "user"
// field selects the legacy shape; nothing else is inspected.
func decodeStored(data []byte) (decoded, error) {
	var probe probeJSON
	if err := json.Unmarshal(data, &probe); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	if len(probe.User) > 0 && !bytes.Equal(bytes.TrimSpace(probe.User), []byte("null")) {
		var l legacyJSON
		if err := json.Unmarshal(data, &l); err != nil {
			return decoded{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if l.User.ID == "" || l.ExpiresAt == 0 {
			return decoded{}, fmt.Errorf("%w: legacy record missing fields", errMalformed)
		}
		legacy := LegacyRecord{
			User:      l.User,
			ExpiresAt: time.UnixMilli(l.ExpiresAt).UTC(),
			SessionID: l.SessionID,
		}
		return decoded{record: legacy.Project(), legacy: true}, nil
	}

	var r recordJSON
	if err := json.Unmarshal(data, &r); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if r.UserID == "" || r.ExpiresAt == 0 {
		return decoded{}, fmt.Errorf("%w: record missing fields", errMalformed)
	}
	return decoded{record: Record{
		UserID:    r.UserID,
		Role:      access.Role(r.Role),
		Name:      r.Name,
		ExpiresAt: time.UnixMilli(r.ExpiresAt).UTC(),
		SessionID: r.SessionID,
	}}, nil
}
