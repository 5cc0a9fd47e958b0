// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stepup gates high-risk approvals behind two independent factors:
// an authenticator-app code and an SMS code.
//
// Each factor is an AuthStep with its own expiry and attempt budget. A
// Session completes when both steps are verified, in either order, while
// neither step has expired or run out of attempts.
package stepup

import "time"

const (
	// DefaultOTPTTL is how long the authenticator step stays open.
	DefaultOTPTTL = 10 * time.Minute

	// DefaultSMSTTL is how long the SMS step stays open.
	DefaultSMSTTL = 3 * time.Minute

	// DefaultMaxAttempts is the per-step attempt budget.
	DefaultMaxAttempts = 5
)

// StepKind names a factor.
type StepKind string

const (
	StepOTP StepKind = "otp"
	StepSMS StepKind = "sms"
)

func (k StepKind) label() string {
	if k == StepSMS {
		return "SMS"
	}
	return "OTP"
}

// Status is a step's verification state. Failed is not terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// AuthStep is one factor's state.
type AuthStep struct {
	Step        StepKind  `json:"step"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	ExpiresAt   time.Time `json:"expiresAt"`
	VerifiedAt  time.Time `json:"verifiedAt,omitempty"`
}

// IsExpired reports now >= ExpiresAt.
func (s AuthStep) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsAttemptsExceeded reports Attempts >= MaxAttempts.
func (s AuthStep) IsAttemptsExceeded() bool {
	return s.Attempts >= s.MaxAttempts
}

// RemainingAttempts never goes below zero.
func (s AuthStep) RemainingAttempts() int {
	if r := s.MaxAttempts - s.Attempts; r > 0 {
		return r
	}
	return 0
}

// Verified reports Status == StatusVerified.
func (s AuthStep) Verified() bool {
	return s.Status == StatusVerified
}

// Actor is the administrator performing the step-up.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Session is one step-up attempt for one request.
type Session struct {
	RequestID   string    `json:"requestId"`
	SessionID   string    `json:"sessionId"`
	Actor       Actor     `json:"actor"`
	InitiatedAt time.Time `json:"initiatedAt"`
	OTP         AuthStep  `json:"otpAuth"`
	SMS         AuthStep  `json:"smsAuth"`
	IsCompleted bool      `json:"isCompleted"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Step returns the step of the given kind.
func (s *Session) Step(kind StepKind) *AuthStep {
	if kind == StepSMS {
		return &s.SMS
	}
	return &s.OTP
}

// newSession builds a fresh session initiated at now.
func newSession(requestID, sessionID string, actor Actor, now time.Time, otpTTL, smsTTL time.Duration, maxAttempts int) Session {
	return Session{
		RequestID:   requestID,
		SessionID:   sessionID,
		Actor:       actor,
		InitiatedAt: now,
		OTP: AuthStep{
			Step:        StepOTP,
			Status:      StatusPending,
			MaxAttempts: maxAttempts,
			ExpiresAt:   now.Add(otpTTL),
		},
		SMS: AuthStep{
			Step:        StepSMS,
			Status:      StatusPending,
			MaxAttempts: maxAttempts,
			ExpiresAt:   now.Add(smsTTL),
		},
	}
}

// blocked reports a step that is out of attempts and was never verified.
// A step verified on its last allowed attempt stays usable.
func (s AuthStep) blocked() bool {
	return !s.Verified() && s.IsAttemptsExceeded()
}

// ValidateSession returns the first failing precondition in the order
// OTP expiry, SMS expiry, OTP attempts, SMS attempts, or nil.
func ValidateSession(s Session, now time.Time) error {
	switch {
	case s.OTP.IsExpired(now):
		return &ValidationError{Reason: ReasonOTPExpired}
	case s.SMS.IsExpired(now):
		return &ValidationError{Reason: ReasonSMSExpired}
	case s.OTP.blocked():
		return &ValidationError{Reason: ReasonOTPAttemptsExceeded}
	case s.SMS.blocked():
		return &ValidationError{Reason: ReasonSMSAttemptsExceeded}
	}
	return nil
}
