// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientErrorType categorizes verification client failures.
type ClientErrorType int

const (
	ClientErrUnknown ClientErrorType = iota
	ClientErrConnection
	ClientErrTimeout
	ClientErrUnauthorized
	ClientErrStatus
	ClientErrInvalidResponse
)

// ClientError is returned when the backend gave no usable answer. Callers
// treat it as inconclusive.
type ClientError struct {
	Type    ClientErrorType
	Status  int
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// =============================================================================
// CLIENT
// =============================================================================

// Endpoint paths relative to the client's base URL.
const (
	PathVerifyOTP    = "/auth/verify-otp"
	PathSendSMSPin   = "/auth/send-sms-pin"
	PathVerifySMSPin = "/auth/verify-sms-pin"
)

// ClientConfig holds the verification client settings.
type ClientConfig struct {
	// BaseURL is the admin API root, e.g. https://admin.example.com/api.
	BaseURL string

	// Timeout per request (default: 10s).
	Timeout time.Duration
}

// RequestDecorator adds the caller's credential to an outgoing request.
// Identity comes from this credential, never from request bodies.
type RequestDecorator func(*http.Request) error

// BearerToken returns a decorator that sets an Authorization header.
func BearerToken(token func() string) RequestDecorator {
	return func(r *http.Request) error {
		if t := token(); t != "" {
			r.Header.Set("Authorization", "Bearer "+t)
		}
		return nil
	}
}

// Client calls the backend verification endpoints. It implements Verifier.
//
// The Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	decorate   RequestDecorator
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithDecorator sets the credential decorator.
func WithDecorator(d RequestDecorator) ClientOption {
	return func(c *Client) { c.decorate = d }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client for cfg.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyOTPRequest struct {
	OTPCode string `json:"otpCode"`
}

type sendSMSRequest struct {
	Phone string `json:"phone"`
}

type verifySMSRequest struct {
	Phone string `json:"phone"`
	Pin   string `json:"pin"`
	Email string `json:"email,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// VerifyOTP checks an authenticator code for the current credential.
func (c *Client) VerifyOTP(ctx context.Context, code string) (bool, error) {
	return c.post(ctx, PathVerifyOTP, verifyOTPRequest{OTPCode: code})
}

// SendSMSPin asks the backend to text a PIN to phone.
func (c *Client) SendSMSPin(ctx context.Context, phone string) (bool, error) {
	return c.post(ctx, PathSendSMSPin, sendSMSRequest{Phone: phone})
}

// VerifySMSPin checks an SMS PIN. Email keys the backend's lockout.
func (c *Client) VerifySMSPin(ctx context.Context, phone, pin, email string) (bool, error) {
	return c.post(ctx, PathVerifySMSPin, verifySMSRequest{Phone: phone, Pin: pin, Email: email})
}

func (c *Client) post(ctx context.Context, path string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, &ClientError{Type: ClientErrInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, &ClientError{Type: ClientErrConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.decorate != nil {
		if err := c.decorate(req); err != nil {
			return false, &ClientError{Type: ClientErrUnauthorized, Message: "failed to attach credential", Cause: err}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, &ClientError{Type: ClientErrTimeout, Message: "request timed out", Cause: err}
		}
		return false, &ClientError{Type: ClientErrConnection, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("verification call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, &ClientError{Type: ClientErrUnauthorized, Status: resp.StatusCode, Message: "session expired, please log in again"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, &ClientError{Type: ClientErrStatus, Status: resp.StatusCode, Message: "unexpected status: " + resp.Status}
	}

	var out successResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, &ClientError{Type: ClientErrInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return out.Success, nil
}
