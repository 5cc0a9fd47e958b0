// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type backendStub struct {
	lastSMS verifySMSRequest
	sent    []string
}

func (b *backendStub) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post(PathVerifyOTP, func(w http.ResponseWriter, req *http.Request) {
		var in verifyOTPRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		writeSuccess(w, in.OTPCode == goodOTP)
	})
	r.Post(PathSendSMSPin, func(w http.ResponseWriter, req *http.Request) {
		var in sendSMSRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		b.sent = append(b.sent, in.Phone)
		writeSuccess(w, true)
	})
	r.Post(PathVerifySMSPin, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&b.lastSMS))
		writeSuccess(w, b.lastSMS.Pin == goodPIN)
	})
	r.Post("/auth/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r
}

func writeSuccess(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(successResponse{Success: ok})
}

func newTestClient(t *testing.T, token string) (*Client, *backendStub) {
	t.Helper()
	stub := &backendStub{}
	srv := httptest.NewServer(stub.router(t))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/"},
		WithDecorator(BearerToken(func() string { return token })))
	return c, stub
}

func TestClientVerifyOTP(t *testing.T) {
	c, _ := newTestClient(t, "tok-1")
	ctx := context.Background()

	ok, err := c.VerifyOTP(ctx, goodOTP)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.VerifyOTP(ctx, badCode)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientSMS(t *testing.T) {
	c, stub := newTestClient(t, "tok-1")
	ctx := context.Background()

	ok, err := c.SendSMSPin(ctx, "+821012345678")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"+821012345678"}, stub.sent)

	ok, err = c.VerifySMSPin(ctx, "+821012345678", goodPIN, "lee@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, verifySMSRequest{Phone: "+821012345678", Pin: goodPIN, Email: "lee@example.com"}, stub.lastSMS)
}

func TestClientUnauthorized(t *testing.T) {
	c, _ := newTestClient(t, "")
	_, err := c.VerifyOTP(context.Background(), goodOTP)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ClientErrUnauthorized, ce.Type)
	require.Equal(t, http.StatusUnauthorized, ce.Status)
}

func TestClientBadStatus(t *testing.T) {
	c, _ := newTestClient(t, "tok-1")
	_, err := c.post(context.Background(), "/auth/broken", struct{}{})
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ClientErrStatus, ce.Type)
	require.Equal(t, http.StatusBadGateway, ce.Status)
}

func TestClientConnectionFailureCountsAsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
	_, err := c.VerifyOTP(context.Background(), goodOTP)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ClientErrConnection, ce.Type)

	clock := &testClock{now: t0}
	m := NewManager(c, WithClock(clock.Now))
	s, err := m.Create(context.Background(), "r", Actor{ID: "a"})
	require.NoError(t, err)
	s, err = m.VerifyOTP(context.Background(), s.SessionID, goodOTP)
	require.ErrorIs(t, err, ErrIncorrectCode)
	require.True(t, errors.As(err, &ce))
	require.Equal(t, 1, s.OTP.Attempts)
}

func TestManagerOverHTTP(t *testing.T) {
	c, _ := newTestClient(t, "tok-1")
	clock := &testClock{now: t0}
	m := NewManager(c, WithClock(clock.Now))
	ctx := context.Background()

	s, err := m.Create(ctx, "withdrawal-1", Actor{ID: "a", Email: "lee@example.com"})
	require.NoError(t, err)
	require.NoError(t, m.SendSMS(ctx, s.SessionID, "+82"))
	_, err = m.VerifySMS(ctx, s.SessionID, "+82", goodPIN)
	require.NoError(t, err)
	s, err = m.VerifyOTP(ctx, s.SessionID, goodOTP)
	require.NoError(t, err)
	require.True(t, s.IsCompleted)
}
