// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package core

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/access"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/audit"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/config"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/session"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/stepup"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/storage"
)

const signingKey = "test-signing-key"

type okVerifier struct{}

func (okVerifier) VerifyOTP(context.Context, string) (bool, error) { return true, nil }
func (okVerifier) SendSMSPin(context.Context, string) (bool, error) { return true, nil }
func (okVerifier) VerifySMSPin(context.Context, string, string, string) (bool, error) { return true, nil }

func signToken(t *testing.T, role access.Role, exp time.Time) string {
	t.Helper()
	claims := session.Claims{
		Role: string(role),
		Name: "Park",
		SID:  "sid-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin-3",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	require.NoError(t, err)
	return tok
}

func newCore(t *testing.T, mutate func(*config.Config)) (*Core, *storage.Memory, *audit.Recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Session.SigningKey = signingKey
	if mutate != nil {
		mutate(cfg)
	}
	kv := storage.NewMemory()
	rec := &audit.Recorder{}
	c, err := New(context.Background(), cfg,
		WithKV(kv),
		WithVerifier(okVerifier{}),
		WithAuditSinks(rec),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, kv, rec
}

func TestLoginGatesPermissions(t *testing.T) {
	c, _, rec := newCore(t, nil)
	ctx := context.Background()

	_, err := c.Login(ctx, signToken(t, access.RoleOperations, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	user, ok, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "admin-3", user.ID)
	require.True(t, c.Access.HasPermission(user, access.ResourceWithdrawals, access.ActionRead))
	require.False(t, c.Access.HasPermission(user, access.ResourceAdminUsers, access.ActionDelete))

	require.Equal(t, EventLogin, rec.Entries()[0].EventType)
}

func TestLoginRejectsBadToken(t *testing.T) {
	c, _, _ := newCore(t, nil)
	_, err := c.Login(context.Background(), "not-a-token")
	require.ErrorIs(t, err, session.ErrInvalidToken)

	_, err = c.Login(context.Background(), signToken(t, access.RoleViewer, time.Now().Add(-time.Minute)))
	require.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestStepUpThroughCore(t *testing.T) {
	c, _, rec := newCore(t, func(cfg *config.Config) { cfg.StepUp.SMSTTL = config.D(time.Minute) })
	ctx := context.Background()

	_, err := c.StartStepUp(ctx, "withdrawal-9", "park@example.com")
	require.ErrorIs(t, err, session.ErrNoSession)

	_, err = c.Login(ctx, signToken(t, access.RoleOperations, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	s, err := c.StartStepUp(ctx, "withdrawal-9", "park@example.com")
	require.NoError(t, err)
	require.Equal(t, "Park", s.Actor.Name)
	require.WithinDuration(t, s.InitiatedAt.Add(time.Minute), s.SMS.ExpiresAt, 0)

	require.NoError(t, c.StepUp.SendSMS(ctx, s.SessionID, "+82"))
	_, err = c.StepUp.VerifySMS(ctx, s.SessionID, "+82", "111111")
	require.NoError(t, err)
	s, err = c.StepUp.VerifyOTP(ctx, s.SessionID, "222222")
	require.NoError(t, err)
	require.True(t, s.IsCompleted)

	var types []string
	for _, e := range rec.Entries() {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, stepup.EventCompleted)
}

func TestLogoutClearsStorageAndCookies(t *testing.T) {
	c, kv, rec := newCore(t, nil)
	ctx := context.Background()

	_, err := c.Login(ctx, signToken(t, access.RoleSupport, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "admin_access_token", []byte("stale")))

	w := httptest.NewRecorder()
	require.NoError(t, c.Logout(ctx, w))
	require.Empty(t, kv.Keys())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	require.Equal(t, "admin_logged_in", cookies[0].Name)
	for _, ck := range cookies {
		require.Negative(t, ck.MaxAge)
	}

	entries := rec.Entries()
	require.Equal(t, EventLogout, entries[len(entries)-1].EventType)

	_, ok, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogoutExpiresConfiguredCookiesThroughSessionStore(t *testing.T) {
	c, kv, _ := newCore(t, func(cfg *config.Config) {
		cfg.Session.SignalCookies = []string{"ops_console_hint"}
	})
	ctx := context.Background()

	_, err := c.Login(ctx, signToken(t, access.RoleViewer, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	require.NoError(t, c.Logout(ctx, w))
	require.Empty(t, kv.Keys())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "ops_console_hint", cookies[0].Name)

	// Logging out again with no response writer is harmless.
	require.NoError(t, c.Logout(ctx, nil))
}

func TestEnrollmentUsesConfiguredIssuer(t *testing.T) {
	c, _, _ := newCore(t, func(cfg *config.Config) {
		cfg.TOTP.Issuer = "Acme Custody"
		cfg.TOTP.QRSize = 128
	})
	e, err := c.NewEnrollment("park@example.com")
	require.NoError(t, err)
	info, err := e.Setup()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(info.URI, "otpauth://totp/Acme%20Custody:park@example.com?"))

	png, err := c.EnrollmentQR(e)
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestMonitorUsesConfiguredTiming(t *testing.T) {
	c, _, _ := newCore(t, nil)
	expired := make(chan struct{}, 1)
	m := c.NewMonitor(session.OnExpired(func() { expired <- struct{}{} }))
	require.False(t, m.Check(context.Background()))
	select {
	case <-expired:
	default:
		t.Fatal("expected expiry callback")
	}
}

func TestNewOpensConfiguredBackendAndAuditFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Backend = storage.BackendSQLite
	cfg.Storage.Path = filepath.Join(dir, "kv.db")
	cfg.Audit.Path = filepath.Join(dir, "audit.log")
	cfg.StepUp.APIBaseURL = "https://admin.example.com/api"

	c, err := New(context.Background(), cfg, WithCredential(func() string { return "tok" }))
	require.NoError(t, err)

	s := session.NewRecord(access.AdminUser{ID: "admin-1", Role: access.RoleViewer}, time.Now().Add(time.Hour))
	require.NoError(t, c.Sessions.Save(context.Background(), s))
	require.NoError(t, c.Logout(context.Background(), nil))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	require.Contains(t, string(data), EventLogout)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	cfg := config.Default()
	_, err := New(context.Background(), cfg, WithKV(storage.NewMemory()))
	require.Error(t, err)

	cfg.Storage.Backend = "mongo"
	_, err = New(context.Background(), cfg, WithVerifier(okVerifier{}))
	require.Error(t, err)
}
