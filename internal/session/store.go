// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultKey holds the current record.
	DefaultKey = "admin_session"

	// DefaultLegacyKey held the deprecated full-object record.
	DefaultLegacyKey = "admin_auth"

	// DefaultRefreshWindow is how close to expiry NeedsRefresh turns true.
	DefaultRefreshWindow = 5 * time.Minute
)

// DefaultAuxKeys are token artifacts left behind by the earlier scheme.
var DefaultAuxKeys = []string{"admin_access_token", "admin_refresh_token", "admin_user"}

// DefaultSignalCookies are non-sensitive cookies the client uses for UI hints.
var DefaultSignalCookies = []string{"admin_logged_in", "admin_session_expires"}

var (
	// ErrInvalidRecord is returned by Save for a record missing identity fields.
	ErrInvalidRecord = errors.New("session: invalid record")

	// ErrAlreadyExpired is returned by Save and Refresh for an expiry not in the future.
	ErrAlreadyExpired = errors.New("session: expiry is not in the future")

	// ErrNoSession is returned by Refresh when nothing is stored.
	ErrNoSession = errors.New("session: no active session")
)

// =============================================================================
// COOKIES
// =============================================================================

// CookieExpirer removes client-visible cookies by name.
type CookieExpirer interface {
	Expire(name string)
}

// ResponseCookies expires cookies by writing Set-Cookie headers.
type ResponseCookies struct {
	W    http.ResponseWriter
	Path string
}

// Expire sets name to an empty, already-expired cookie.
func (c ResponseCookies) Expire(name string) {
	path := c.Path
	if path == "" {
		path = "/"
	}
	http.SetCookie(c.W, &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    path,
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}

// =============================================================================
// STORE
// =============================================================================

// Store is a single-slot session store.
type Store struct {
	mu sync.Mutex

	kv            storage.KV
	key           string
	legacyKey     string
	auxKeys       []string
	signalCookies []string
	cookies       CookieExpirer
	refreshWindow time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeys overrides the primary and legacy storage keys.
func WithKeys(key, legacyKey string) StoreOption {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
		s.legacyKey = legacyKey
	}
}

// WithAuxKeys sets the extra artifacts removed by Clear.
func WithAuxKeys(keys ...string) StoreOption {
	return func(s *Store) {
		s.auxKeys = append([]string(nil), keys...)
	}
}

// WithCookies sets the cookie expirer and the signal cookie names.
func WithCookies(c CookieExpirer, names ...string) StoreOption {
	return func(s *Store) {
		s.cookies = c
		if len(names) > 0 {
			s.signalCookies = append([]string(nil), names...)
		}
	}
}

// WithRefreshWindow overrides DefaultRefreshWindow.
func WithRefreshWindow(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.refreshWindow = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store over kv.
func NewStore(kv storage.KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:            kv,
		key:           DefaultKey,
		legacyKey:     DefaultLegacyKey,
		auxKeys:       append([]string(nil), DefaultAuxKeys...),
		signalCookies: append([]string(nil), DefaultSignalCookies...),
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored record. ok is false when nothing is stored, the
// record has expired, or the stored bytes cannot be decoded; in those cases
// the storage is purged. A legacy record is projected and rewritten in the
// current shape before it is returned. err reports backend failures only.
func (s *Store) Load(ctx context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) (Record, bool, error) {
	fromLegacyKey := false
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) && s.legacyKey != "" {
		data, err = s.kv.Get(ctx, s.legacyKey)
		fromLegacyKey = err == nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("session: load: %w", err)
	}

	d, err := decodeStored(data)
	if err != nil {
		s.logger.Warn("discarding unreadable session record", zap.Error(err))
		return Record{}, false, s.clearLocked(ctx, s.cookies)
	}

	if s.isExpired(d.record.ExpiresAt) {
		s.logger.Info("session expired",
			zap.String("user_id", d.record.UserID),
			zap.String("session_id", shortID(d.record.SessionID)),
		)
		return Record{}, false, s.clearLocked(ctx, s.cookies)
	}

	if d.legacy || fromLegacyKey {
		if err := s.saveLocked(ctx, d.record); err != nil {
			return Record{}, false, err
		}
		if s.legacyKey != "" {
			if err := s.kv.Delete(ctx, s.legacyKey); err != nil {
				return Record{}, false, fmt.Errorf("session: drop legacy record: %w", err)
			}
		}
		s.logger.Info("migrated legacy session record",
			zap.String("user_id", d.record.UserID),
			zap.Bool("legacy_key", fromLegacyKey),
		)
	}
	return d.record, true, nil
}

// Save overwrites the stored record. ExpiresAt is stored in canonical form
// (see Record.Canonical) and must still be in the future after truncation.
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.UserID == "" || r.Role == "" {
		return ErrInvalidRecord
	}
	r = r.Canonical()
	if s.isExpired(r.ExpiresAt) {
		return ErrAlreadyExpired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, r)
}

func (s *Store) saveLocked(ctx context.Context, r Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Refresh replaces the stored expiry by rewriting the whole record.
func (s *Store) Refresh(ctx context.Context, expiresAt time.Time) (Record, error) {
	expiresAt = CanonicalExpiry(expiresAt)
	if s.isExpired(expiresAt) {
		return Record{}, ErrAlreadyExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.loadLocked(ctx)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNoSession
	}
	r.ExpiresAt = expiresAt
	if err := s.saveLocked(ctx, r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Clear removes the record, the legacy record, auxiliary token artifacts
// and signal cookies.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, s.cookies)
}

// ClearWith is Clear with the signal cookies expired on cookies instead of
// the store's configured expirer. Use it per request when the response
// writer is only known at logout.
func (s *Store) ClearWith(ctx context.Context, cookies CookieExpirer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, cookies)
}

func (s *Store) clearLocked(ctx context.Context, cookies CookieExpirer) error {
	keys := make([]string, 0, 2+len(s.auxKeys))
	keys = append(keys, s.key)
	if s.legacyKey != "" {
		keys = append(keys, s.legacyKey)
	}
	keys = append(keys, s.auxKeys...)

	var errs []error
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if cookies != nil {
		for _, name := range s.signalCookies {
			cookies.Expire(name)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}

// IsExpired reports now >= expiresAt.
func (s *Store) IsExpired(expiresAt time.Time) bool {
	return s.isExpired(expiresAt)
}

func (s *Store) isExpired(expiresAt time.Time) bool {
	return !s.now().Before(expiresAt)
}

// NeedsRefresh reports whether expiresAt is less than the refresh window
// away. It is advisory; nothing is refreshed automatically.
func (s *Store) NeedsRefresh(expiresAt time.Time) bool {
	return expiresAt.Sub(s.now()) < s.refreshWindow
}

// shortID keeps enough of a session id to correlate logs.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
