// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/access"
)

// ErrInvalidToken indicates the login token failed validation.
var ErrInvalidToken = errors.New("session: invalid token")

// Claims are the access-token claims issued at admin login.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	SID  string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// RecordFromClaims projects verified claims into a Record. The token itself
// is not kept.
func RecordFromClaims(c *Claims) (Record, error) {
	if c == nil || strings.TrimSpace(c.Subject) == "" || c.ExpiresAt == nil {
		return Record{}, ErrInvalidToken
	}
	role, err := access.ParseRole(c.Role)
	if err != nil {
		return Record{}, ErrInvalidToken
	}
	sid := c.SID
	if sid == "" {
		sid = c.ID
	}
	return Record{
		UserID:    c.Subject,
		Role:      role,
		Name:      c.Name,
		ExpiresAt: CanonicalExpiry(c.ExpiresAt.Time),
		SessionID: sid,
	}, nil
}

// ParseToken verifies an HS256 token with key and projects it.
func ParseToken(token string, key []byte, opts ...jwt.ParserOption) (Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, ErrInvalidToken
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return Record{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Record{}, ErrInvalidToken
	}
	return RecordFromClaims(claims)
}

// NewRecord builds a record for a fresh login with a new session id.
func NewRecord(user access.AdminUser, expiresAt time.Time) Record {
	return Record{
		UserID:    user.ID,
		Role:      user.Role,
		Name:      user.Name,
		ExpiresAt: CanonicalExpiry(expiresAt),
		SessionID: uuid.NewString(),
	}
}
