// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/audit"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/totp"
)

// Verifier is the backend contract for the two factors. The backend
// resolves the administrator from the caller's credential, not from these
// arguments.
type Verifier interface {
	VerifyOTP(ctx context.Context, code string) (bool, error)
	SendSMSPin(ctx context.Context, phone string) (bool, error)
	VerifySMSPin(ctx context.Context, phone, pin, email string) (bool, error)
}

// Audit event types.
const (
	EventCreated      = "STEPUP_CREATED"
	EventOTPVerified  = "STEPUP_OTP_VERIFIED"
	EventOTPFailed    = "STEPUP_OTP_FAILED"
	EventSMSVerified  = "STEPUP_SMS_VERIFIED"
	EventSMSFailed    = "STEPUP_SMS_FAILED"
	EventSMSSent      = "STEPUP_SMS_SENT"
	EventCompleted    = "STEPUP_COMPLETED"
	EventIncompletion = "STEPUP_COMPLETION_REJECTED"
)

type tracked struct {
	session  Session
	inFlight map[StepKind]bool
}

// Manager owns step-up sessions and serializes their mutations.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*tracked

	verifier Verifier
	throttle *SMSThrottle
	emitter  *audit.Emitter
	metrics  *Metrics

	otpTTL      time.Duration
	smsTTL      time.Duration
	maxAttempts int

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithThrottle shares an SMS throttle. Without it the Manager gets its own.
func WithThrottle(t *SMSThrottle) Option {
	return func(m *Manager) {
		if t != nil {
			m.throttle = t
		}
	}
}

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// WithTTLs overrides the per-step lifetimes.
func WithTTLs(otp, sms time.Duration) Option {
	return func(m *Manager) {
		if otp > 0 {
			m.otpTTL = otp
		}
		if sms > 0 {
			m.smsTTL = sms
		}
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRegisterer registers the step-up metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		if reg != nil {
			m.metrics.register(reg)
		}
	}
}

// NewManager creates a Manager that verifies through v.
func NewManager(v Verifier, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*tracked),
		verifier:    v,
		emitter:     audit.NewEmitter(),
		metrics:     newMetrics(),
		otpTTL:      DefaultOTPTTL,
		smsTTL:      DefaultSMSTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.throttle == nil {
		m.throttle = NewSMSThrottle(DefaultSMSCooldown)
	}
	return m
}

// Metrics exposes the counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create opens a session for requestID with both steps pending.
func (m *Manager) Create(ctx context.Context, requestID string, actor Actor) (Session, error) {
	if requestID == "" || actor.ID == "" {
		return Session{}, fmt.Errorf("stepup: request id and actor are required")
	}
	now := m.now()
	s := newSession(requestID, m.newID(), actor, now, m.otpTTL, m.smsTTL, m.maxAttempts)

	m.mu.Lock()
	purged := m.purgeLocked(now)
	m.sessions[s.SessionID] = &tracked{session: s, inFlight: make(map[StepKind]bool)}
	m.mu.Unlock()

	m.logger.Info("step-up session created",
		zap.String("session_id", s.SessionID),
		zap.String("request_id", requestID),
		zap.String("user_id", actor.ID),
		zap.Int("purged", purged),
	)
	m.emit(ctx, s, EventCreated, "Step-up verification started", true, "", nil)
	return s, nil
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return t.session, true
}

// Validate runs ValidateSession on the stored session at the current time.
func (m *Manager) Validate(sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return ValidateSession(s, m.now())
}

// Discard forgets a session.
func (m *Manager) Discard(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Purge drops sessions whose steps have both expired and returns how many.
// Create purges as well.
func (m *Manager) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(now)
}

func (m *Manager) purgeLocked(now time.Time) int {
	n := 0
	for id, t := range m.sessions {
		if t.inFlight[StepOTP] || t.inFlight[StepSMS] {
			continue
		}
		if t.session.OTP.IsExpired(now) && t.session.SMS.IsExpired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerifyOTP submits an authenticator code for the session.
func (m *Manager) VerifyOTP(ctx context.Context, sessionID, code string) (Session, error) {
	return m.verify(ctx, sessionID, StepOTP, code, func(ctx context.Context, normalized string, _ Session) (bool, error) {
		return m.verifier.VerifyOTP(ctx, normalized)
	})
}

// VerifySMS submits an SMS PIN sent to phone.
func (m *Manager) VerifySMS(ctx context.Context, sessionID, phone, code string) (Session, error) {
	return m.verify(ctx, sessionID, StepSMS, code, func(ctx context.Context, normalized string, s Session) (bool, error) {
		return m.verifier.VerifySMSPin(ctx, phone, normalized, s.Actor.Email)
	})
}

type checkFunc func(ctx context.Context, code string, s Session) (bool, error)

// begin checks preconditions and marks the step in flight.
func (m *Manager) begin(sessionID string, kind StepKind) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	step := t.session.Step(kind)
	switch {
	case step.Verified():
		return t.session, ErrAlreadyVerified
	case step.IsExpired(m.now()):
		return t.session, &ValidationError{Reason: expiredReason(kind)}
	case step.IsAttemptsExceeded():
		return t.session, &ValidationError{Reason: exceededReason(kind)}
	case t.inFlight[kind]:
		return t.session, ErrVerificationInFlight
	}
	t.inFlight[kind] = true
	return t.session, nil
}

func (m *Manager) verify(ctx context.Context, sessionID string, kind StepKind, code string, check checkFunc) (Session, error) {
	snapshot, err := m.begin(sessionID, kind)
	if err != nil {
		return snapshot, err
	}

	var (
		ok       bool
		checkErr error
	)
	if normalized, valid := totp.NormalizeCode(code); valid {
		ok, checkErr = check(ctx, normalized, snapshot)
	}
	if checkErr != nil {
		m.logger.Warn("step-up backend check failed",
			zap.String("session_id", sessionID),
			zap.String("step", string(kind)),
			zap.Error(checkErr),
		)
	}

	out := m.finish(sessionID, kind, ok && checkErr == nil, checkErr)
	if errors.Is(out.err, ErrSessionNotFound) {
		return Session{}, out.err
	}
	s, resultErr := out.session, out.err

	step := s.Step(kind)
	meta := map[string]string{
		"request_id": s.RequestID,
		"attempts":   strconv.Itoa(step.Attempts),
	}
	if step.Verified() {
		m.metrics.Verifications.WithLabelValues(string(kind), "verified").Inc()
		m.emit(ctx, s, verifiedEvent(kind), kind.label()+" verification succeeded", true, "", meta)
	} else {
		result := "failed"
		if checkErr != nil {
			result = "error"
		}
		m.metrics.Verifications.WithLabelValues(string(kind), result).Inc()
		reason := "incorrect code"
		switch {
		case checkErr != nil:
			reason = "verification unavailable"
		case errors.Is(resultErr, ErrStepExpired):
			reason = "step expired"
		}
		m.emit(ctx, s, failedEvent(kind), kind.label()+" verification failed", false, reason, meta)
	}

	if out.completed {
		m.metrics.Completed.Inc()
		m.logger.Info("step-up session completed",
			zap.String("session_id", s.SessionID),
			zap.String("request_id", s.RequestID),
		)
		m.emit(ctx, s, EventCompleted, "Step-up verification completed", true, "", map[string]string{"request_id": s.RequestID})
	} else if out.completion != nil {
		m.emit(ctx, s, EventIncompletion, "Step-up completion rejected", false, out.completion.Error(), map[string]string{"request_id": s.RequestID})
		return s, out.completion
	}
	return s, resultErr
}

// outcome is the result of one recorded attempt.
type outcome struct {
	session    Session
	completed  bool
	completion error // set when both steps verified but the session was no longer valid
	err        error
}

// finish records the attempt under the lock.
func (m *Manager) finish(sessionID string, kind StepKind, ok bool, checkErr error) outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, found := m.sessions[sessionID]
	if !found {
		return outcome{err: ErrSessionNotFound}
	}
	delete(t.inFlight, kind)

	now := m.now()
	step := t.session.Step(kind)
	step.Attempts++

	if ok && !step.IsExpired(now) {
		step.Status = StatusVerified
		step.VerifiedAt = now
	} else {
		step.Status = StatusFailed
		if ok {
			// Verified by the backend after the window closed.
			return outcome{session: t.session, err: &ValidationError{Reason: expiredReason(kind)}}
		}
		return outcome{session: t.session, err: &AttemptError{Step: kind, Remaining: step.RemainingAttempts(), Err: checkErr}}
	}

	if !t.session.OTP.Verified() || !t.session.SMS.Verified() || t.session.IsCompleted {
		return outcome{session: t.session}
	}
	if err := ValidateSession(t.session, now); err != nil {
		return outcome{session: t.session, completion: err}
	}
	t.session.IsCompleted = true
	t.session.CompletedAt = now
	return outcome{session: t.session, completed: true}
}

// =============================================================================
// SMS
// =============================================================================

// SendSMS asks the backend to send a PIN to phone, subject to the shared
// resend cooldown.
func (m *Manager) SendSMS(ctx context.Context, sessionID, phone string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	now := m.now()
	switch {
	case s.SMS.Verified():
		return ErrAlreadyVerified
	case s.SMS.IsExpired(now):
		return &ValidationError{Reason: ReasonSMSExpired}
	case s.SMS.IsAttemptsExceeded():
		return &ValidationError{Reason: ReasonSMSAttemptsExceeded}
	}

	if wait, allowed := m.throttle.Reserve(now); !allowed {
		m.metrics.SMSSends.WithLabelValues("throttled").Inc()
		return &CooldownError{RetryAfter: wait}
	}

	sent, err := m.verifier.SendSMSPin(ctx, phone)
	meta := map[string]string{"request_id": s.RequestID}
	if err != nil || !sent {
		m.metrics.SMSSends.WithLabelValues("failed").Inc()
		reason := "backend declined"
		if err != nil {
			reason = "backend unavailable"
		}
		m.emit(ctx, s, EventSMSSent, "SMS code send failed", false, reason, meta)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSMSNotSent, err)
		}
		return ErrSMSNotSent
	}
	m.metrics.SMSSends.WithLabelValues("sent").Inc()
	m.emit(ctx, s, EventSMSSent, "SMS code sent", true, "", meta)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) emit(ctx context.Context, s Session, eventType, action string, success bool, errMsg string, meta map[string]string) {
	err := m.emitter.Emit(ctx, audit.Entry{
		Timestamp: m.now(),
		EventType: eventType,
		UserID:    s.Actor.ID,
		UserName:  s.Actor.Name,
		SessionID: s.SessionID,
		Action:    action,
		Success:   success,
		Error:     errMsg,
		Metadata:  meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("step-up audit emit failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func expiredReason(k StepKind) Reason {
	if k == StepSMS {
		return ReasonSMSExpired
	}
	return ReasonOTPExpired
}

func exceededReason(k StepKind) Reason {
	if k == StepSMS {
		return ReasonSMSAttemptsExceeded
	}
	return ReasonOTPAttemptsExceeded
}

func verifiedEvent(k StepKind) string {
	if k == StepSMS {
		return EventSMSVerified
	}
	return EventOTPVerified
}

func failedEvent(k StepKind) string {
	if k == StepSMS {
		return EventSMSFailed
	}
	return EventOTPFailed
}
