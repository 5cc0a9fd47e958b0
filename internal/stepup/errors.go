// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("stepup: session not found")

	// ErrStepExpired matches any ValidationError for an expired step.
	ErrStepExpired = errors.New("stepup: step expired")

	// ErrAttemptsExceeded matches any ValidationError for an exhausted step.
	ErrAttemptsExceeded = errors.New("stepup: attempts exceeded")

	// ErrIncorrectCode matches any AttemptError.
	ErrIncorrectCode = errors.New("stepup: verification code incorrect")

	// ErrVerificationInFlight is returned when the same step is already
	// being verified for this session.
	ErrVerificationInFlight = errors.New("stepup: verification already in progress")

	// ErrAlreadyVerified is returned when the step has already succeeded.
	ErrAlreadyVerified = errors.New("stepup: step already verified")

	// ErrSMSCooldown matches any CooldownError.
	ErrSMSCooldown = errors.New("stepup: sms resend cooldown")

	// ErrSMSNotSent is returned when the backend declines to send a PIN.
	ErrSMSNotSent = errors.New("stepup: sms pin not sent")
)

// Reason identifies which precondition failed.
type Reason int

const (
	ReasonOTPExpired Reason = iota + 1
	ReasonSMSExpired
	ReasonOTPAttemptsExceeded
	ReasonSMSAttemptsExceeded
)

// ValidationError reports a failed session precondition. Its message is
// safe to show to the user.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonOTPExpired:
		return "authenticator verification expired, please start again"
	case ReasonSMSExpired:
		return "SMS verification expired, please start again"
	case ReasonOTPAttemptsExceeded:
		return "too many incorrect authenticator codes, please start again"
	case ReasonSMSAttemptsExceeded:
		return "too many incorrect SMS codes, please start again"
	default:
		return "verification is no longer valid, please start again"
	}
}

// Is matches ErrStepExpired or ErrAttemptsExceeded.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrStepExpired:
		return e.Reason == ReasonOTPExpired || e.Reason == ReasonSMSExpired
	case ErrAttemptsExceeded:
		return e.Reason == ReasonOTPAttemptsExceeded || e.Reason == ReasonSMSAttemptsExceeded
	}
	return false
}

// AttemptError reports a counted attempt that did not verify. Err is set
// when the backend could not give an answer; the attempt still counts.
type AttemptError struct {
	Step      StepKind
	Remaining int
	Err       error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("verification code incorrect, %d attempts remaining", e.Remaining)
}

// Is matches ErrIncorrectCode.
func (e *AttemptError) Is(target error) bool { return target == ErrIncorrectCode }

// Unwrap returns the backend error, if any.
func (e *AttemptError) Unwrap() error { return e.Err }

// Inconclusive reports whether the backend failed rather than rejecting the code.
func (e *AttemptError) Inconclusive() bool { return e.Err != nil }

// CooldownError reports when the next SMS may be sent.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("please wait %d seconds before requesting another code", secs)
}

// Is matches ErrSMSCooldown.
func (e *CooldownError) Is(target error) bool { return target == ErrSMSCooldown }
