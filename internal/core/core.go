// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package core assembles the identity and access components from a
// config.Config: the permission evaluator, the session store and its
// monitor, TOTP enrollment, the step-up manager and the audit emitter.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/access"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/audit"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/config"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/session"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/stepup"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/storage"
	"github.com/ColligenceLabs/abc-custody-admin-sub005/internal/totp"
)

// Audit event types for session transitions.
const (
	EventLogin  = "SESSION_LOGIN"
	EventLogout = "SESSION_LOGOUT"
)

// Core holds the wired components. Close releases the storage backend and
// audit file.
type Core struct {
	Config   *config.Config
	Access   *access.Evaluator
	Sessions *session.Store
	StepUp   *stepup.Manager
	Audit    *audit.Emitter

	kv       storage.KV
	fileSink *audit.FileSink
	logger   *zap.Logger
}

type options struct {
	logger   *zap.Logger
	reg      prometheus.Registerer
	verifier stepup.Verifier
	kv       storage.KV
	token    func() string
	sinks    []audit.Sink
	throttle *stepup.SMSThrottle
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers component metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithVerifier replaces the HTTP verification client.
func WithVerifier(v stepup.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithKV supplies an already open backend instead of opening one from config.
func WithKV(kv storage.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithCredential supplies the bearer token for verification calls.
func WithCredential(token func() string) Option {
	return func(o *options) { o.token = token }
}

// WithAuditSinks adds audit sinks.
func WithAuditSinks(sinks ...audit.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithSMSThrottle shares an SMS throttle across cores in one process.
func WithSMSThrottle(t *stepup.SMSThrottle) Option {
	return func(o *options) { o.throttle = t }
}

// New validates cfg and builds a Core.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.Global()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{Config: cfg, logger: o.logger}

	c.kv = o.kv
	if c.kv == nil {
		kv, err := storage.Open(ctx, cfg.StorageOptions())
		if err != nil {
			return nil, fmt.Errorf("core: open storage: %w", err)
		}
		c.kv = kv
	}

	sinks := append([]audit.Sink{audit.ZapSink{Logger: o.logger.Named("audit")}}, o.sinks...)
	if cfg.Audit.Path != "" {
		fs, err := audit.NewFileSink(cfg.Audit.Path, cfg.Audit.MaxSize)
		if err != nil {
			_ = c.kv.Close()
			return nil, fmt.Errorf("core: open audit file: %w", err)
		}
		c.fileSink = fs
		sinks = append(sinks, fs)
	}
	c.Audit = audit.NewEmitter(audit.WithSinks(sinks...), audit.WithLogger(o.logger))

	evalOpts := []access.EvaluatorOption{access.WithLogger(o.logger.Named("access"))}
	if o.reg != nil {
		evalOpts = append(evalOpts, access.WithRegisterer(o.reg))
	}
	c.Access = access.NewEvaluator(evalOpts...)

	c.Sessions = session.NewStore(c.kv,
		session.WithKeys(cfg.Session.Key, cfg.Session.LegacyKey),
		session.WithAuxKeys(cfg.Session.AuxKeys...),
		session.WithCookies(nil, cfg.Session.SignalCookies...),
		session.WithRefreshWindow(cfg.Session.RefreshWindow.Duration),
		session.WithLogger(o.logger.Named("session")),
	)

	verifier := o.verifier
	if verifier == nil {
		if cfg.StepUp.APIBaseURL == "" {
			c.Close()
			return nil, errors.New("core: stepup.api_base_url is required without a verifier")
		}
		clientOpts := []stepup.ClientOption{stepup.WithClientLogger(o.logger.Named("stepup.client"))}
		if o.token != nil {
			clientOpts = append(clientOpts, stepup.WithDecorator(stepup.BearerToken(o.token)))
		}
		verifier = stepup.NewClient(stepup.ClientConfig{
			BaseURL: cfg.StepUp.APIBaseURL,
			Timeout: cfg.StepUp.Timeout.Duration,
		}, clientOpts...)
	}
	throttle := o.throttle
	if throttle == nil {
		throttle = stepup.NewSMSThrottle(cfg.StepUp.SMSCooldown.Duration)
	}
	stepOpts := []stepup.Option{
		stepup.WithTTLs(cfg.StepUp.OTPTTL.Duration, cfg.StepUp.SMSTTL.Duration),
		stepup.WithMaxAttempts(cfg.StepUp.MaxAttempts),
		stepup.WithThrottle(throttle),
		stepup.WithEmitter(c.Audit),
		stepup.WithLogger(o.logger.Named("stepup")),
	}
	if o.reg != nil {
		stepOpts = append(stepOpts, stepup.WithRegisterer(o.reg))
	}
	c.StepUp = stepup.NewManager(verifier, stepOpts...)

	return c, nil
}

// Login verifies an access token, stores its projection and audits it.
func (c *Core) Login(ctx context.Context, token string) (session.Record, error) {
	if c.Config.Session.SigningKey == "" {
		return session.Record{}, errors.New("core: session.signing_key is not configured")
	}
	rec, err := session.ParseToken(token, []byte(c.Config.Session.SigningKey))
	if err != nil {
		return session.Record{}, err
	}
	if err := c.Sessions.Save(ctx, rec); err != nil {
		return session.Record{}, err
	}
	c.emit(ctx, rec, EventLogin, "Admin logged in")
	return rec, nil
}

// Logout clears every session artifact and expires signal cookies on w,
// which may be nil.
func (c *Core) Logout(ctx context.Context, w http.ResponseWriter) error {
	rec, _, _ := c.Sessions.Load(ctx)
	var cookies session.CookieExpirer
	if w != nil {
		cookies = session.ResponseCookies{W: w}
	}
	if err := c.Sessions.ClearWith(ctx, cookies); err != nil {
		return err
	}
	if rec.UserID != "" {
		c.emit(ctx, rec, EventLogout, "Admin logged out")
	}
	return nil
}

// CurrentUser loads the session and returns it as an AdminUser for
// permission checks. Overrides are not part of the session record and
// must be attached by the caller.
func (c *Core) CurrentUser(ctx context.Context) (access.AdminUser, bool, error) {
	rec, ok, err := c.Sessions.Load(ctx)
	if err != nil || !ok {
		return access.AdminUser{}, false, err
	}
	return access.AdminUser{ID: rec.UserID, Name: rec.Name, Role: rec.Role}, true, nil
}

// NewEnrollment starts TOTP enrollment for account under the configured issuer.
func (c *Core) NewEnrollment(account string, opts ...totp.Option) (*totp.Enrollment, error) {
	opts = append([]totp.Option{totp.WithLogger(c.logger.Named("totp"))}, opts...)
	return totp.NewEnrollment(c.Config.TOTP.Issuer, account, opts...)
}

// EnrollmentQR renders the enrollment QR code at the configured size.
func (c *Core) EnrollmentQR(e *totp.Enrollment) ([]byte, error) {
	return e.QRCodePNG(c.Config.TOTP.QRSize)
}

// NewMonitor builds a session expiry monitor with the configured timing.
func (c *Core) NewMonitor(opts ...session.MonitorOption) *session.Monitor {
	opts = append([]session.MonitorOption{
		session.WithInterval(c.Config.Session.MonitorInterval.Duration),
		session.WithWarningLead(c.Config.Session.WarningLead.Duration),
		session.WithMonitorLogger(c.logger.Named("session.monitor")),
	}, opts...)
	return session.NewMonitor(c.Sessions, opts...)
}

// StartStepUp opens a step-up session for the logged-in administrator.
func (c *Core) StartStepUp(ctx context.Context, requestID, email string) (stepup.Session, error) {
	rec, ok, err := c.Sessions.Load(ctx)
	if err != nil {
		return stepup.Session{}, err
	}
	if !ok {
		return stepup.Session{}, session.ErrNoSession
	}
	return c.StepUp.Create(ctx, requestID, stepup.Actor{ID: rec.UserID, Name: rec.Name, Email: email})
}

// Close releases the storage backend and audit file.
func (c *Core) Close() error {
	var errs []error
	if c.fileSink != nil {
		errs = append(errs, c.fileSink.Close())
	}
	if c.kv != nil {
		errs = append(errs, c.kv.Close())
	}
	return errors.Join(errs...)
}

func (c *Core) emit(ctx context.Context, rec session.Record, eventType, action string) {
	err := c.Audit.Emit(ctx, audit.Entry{
		EventType: eventType,
		UserID:    rec.UserID,
		UserName:  rec.Name,
		SessionID: rec.SessionID,
		Action:    action,
		Success:   true,
		Metadata:  map[string]string{"role": string(rec.Role)},
	})
	if err != nil {
		c.logger.Error("audit emit failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
