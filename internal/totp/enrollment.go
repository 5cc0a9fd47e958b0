// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package totp

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is an enrollment step.
type State int

const (
	// StateSetup has no secret yet.
	StateSetup State = iota
	// StateVerify holds a secret and waits for a code.
	StateVerify
	// StateBackup has a verified secret and backup codes to show.
	StateBackup
	// StateDone has handed the secret to the caller.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateVerify:
		return "verify"
	case StateBackup:
		return "backup"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongState is returned when an operation is called out of order.
	ErrWrongState = errors.New("totp: operation not allowed in current state")
)

// SetupInfo is what the admin needs to add the account to an authenticator.
type SetupInfo struct {
	Secret string
	URI    string
}

// Enrollment walks one administrator through authenticator setup.
type Enrollment struct {
	mu sync.Mutex

	issuer  string
	account string

	state     State
	secret    string
	uri       string
	codes     []string
	codesAt   time.Time
	attempted int

	rand   io.Reader
	now    func() time.Time
	logger *zap.Logger
}

// Option configures an Enrollment.
type Option func(*Enrollment)

// WithRand sets the entropy source for secrets and backup codes.
func WithRand(r io.Reader) Option {
	return func(e *Enrollment) { e.rand = r }
}

// WithClock injects the time source used for verification.
func WithClock(now func() time.Time) Option {
	return func(e *Enrollment) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Enrollment) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEnrollment starts an enrollment in StateSetup.
func NewEnrollment(issuer, account string, opts ...Option) (*Enrollment, error) {
	if err := checkLabel(issuer, account); err != nil {
		return nil, err
	}
	e := &Enrollment{
		issuer:  issuer,
		account: account,
		state:   StateSetup,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current step.
func (e *Enrollment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Setup draws a new secret and moves to StateVerify. It may be called again
// from StateVerify; the previous secret is discarded.
func (e *Enrollment) Setup() (SetupInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSetup && e.state != StateVerify {
		return SetupInfo{}, ErrWrongState
	}
	secret, err := GenerateSecret(e.issuer, e.account, e.rand)
	if err != nil {
		return SetupInfo{}, err
	}
	e.secret = secret
	e.uri = URI(e.issuer, e.account, secret)
	e.codes = nil
	e.attempted = 0
	e.state = StateVerify

	e.logger.Info("totp enrollment setup", zap.String("account", e.account))
	return SetupInfo{Secret: e.secret, URI: e.uri}, nil
}

// URI returns the enrollment URI for the in-flight secret.
func (e *Enrollment) URI() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateVerify {
		return "", ErrWrongState
	}
	return e.uri, nil
}

// QRCodePNG renders the enrollment URI as a square PNG.
func (e *Enrollment) QRCodePNG(size int) ([]byte, error) {
	uri, err := e.URI()
	if err != nil {
		return nil, err
	}
	return QRCodePNG(uri, size)
}

// Verify checks code against the in-flight secret. On success backup codes
// are generated and the enrollment moves to StateBackup. A wrong code keeps
// the enrollment in StateVerify and is not counted against any limit here.
func (e *Enrollment) Verify(code string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateVerify {
		return false, ErrWrongState
	}
	e.attempted++
	if !Validate(code, e.secret, e.now()) {
		e.logger.Info("totp enrollment code rejected",
			zap.String("account", e.account),
			zap.Int("attempt", e.attempted),
		)
		return false, nil
	}

	codes, err := GenerateBackupCodes(e.rand)
	if err != nil {
		return false, err
	}
	e.codes = codes
	e.codesAt = e.now()
	e.state = StateBackup

	e.logger.Info("totp enrollment verified", zap.String("account", e.account))
	return true, nil
}

// BackupCodes returns the recovery codes for display.
func (e *Enrollment) BackupCodes() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateBackup {
		return nil, ErrWrongState
	}
	out := make([]string, len(e.codes))
	copy(out, e.codes)
	return out, nil
}

// Export returns the plaintext recovery file.
func (e *Enrollment) Export() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateBackup {
		return nil, ErrWrongState
	}
	return ExportBackupCodes(e.issuer, e.account, e.codes, e.codesAt), nil
}

// Abandon discards the in-flight secret and returns to StateSetup.
func (e *Enrollment) Abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDone {
		return
	}
	e.secret = ""
	e.uri = ""
	e.codes = nil
	e.state = StateSetup
	e.logger.Info("totp enrollment abandoned", zap.String("account", e.account))
}

// Complete returns the verified secret for the caller to commit server-side.
// Backup codes are dropped from memory and are not part of the result.
func (e *Enrollment) Complete() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateBackup {
		return "", ErrWrongState
	}
	secret := e.secret
	e.secret = ""
	e.uri = ""
	e.codes = nil
	e.state = StateDone
	e.logger.Info("totp enrollment completed", zap.String("account", e.account))
	return secret, nil
}
