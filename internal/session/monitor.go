// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMonitorInterval is how often the monitor checks the store.
	DefaultMonitorInterval = 60 * time.Second

	// DefaultWarningLead is how long before expiry the warning fires.
	DefaultWarningLead = 2 * time.Minute
)

// =============================================================================
// MONITOR
// =============================================================================

// Monitor periodically loads the session and reports upcoming or past expiry.
type Monitor struct {
	store       *Store
	interval    time.Duration
	warningLead time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	onWarning   func(rec Record, remaining time.Duration)
	onExpired   func()
	warnedFor   time.Time
	expiredSent bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// OnWarning is called once per expiry time when the session is within the
// warning lead.
func OnWarning(fn func(rec Record, remaining time.Duration)) MonitorOption {
	return func(m *Monitor) { m.onWarning = fn }
}

// OnExpired is called once when the session disappears.
func OnExpired(fn func()) MonitorOption {
	return func(m *Monitor) { m.onExpired = fn }
}

// WithInterval overrides DefaultMonitorInterval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithWarningLead overrides DefaultWarningLead.
func WithWarningLead(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d >= 0 {
			m.warningLead = d
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates a Monitor for store.
func NewMonitor(store *Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:       store,
		interval:    DefaultMonitorInterval,
		warningLead: DefaultWarningLead,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs one pass and reports whether a session is still active.
// Backend errors are logged and treated as still active.
func (m *Monitor) Check(ctx context.Context) bool {
	rec, ok, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("session monitor load failed", zap.Error(err))
		return true
	}

	m.mu.Lock()
	var (
		fireExpired bool
		fireWarning bool
		remaining   time.Duration
	)
	if !ok {
		fireExpired = !m.expiredSent
		m.expiredSent = true
	} else {
		m.expiredSent = false
		remaining = rec.ExpiresAt.Sub(m.store.now())
		if remaining <= m.warningLead && !m.warnedFor.Equal(rec.ExpiresAt) {
			fireWarning = true
			m.warnedFor = rec.ExpiresAt
		}
	}
	onWarning := m.onWarning
	onExpired := m.onExpired
	m.mu.Unlock()

	// Callbacks run outside the lock.
	if fireWarning && onWarning != nil {
		onWarning(rec, remaining)
	}
	if fireExpired && onExpired != nil {
		m.logger.Info("session monitor observed expiry")
		onExpired()
	}
	return ok
}

// Start checks immediately and then every interval until ctx is cancelled
// or the returned handle is stopped.
func (m *Monitor) Start(ctx context.Context) *MonitorHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &MonitorHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
	return h
}

// MonitorHandle controls a running Monitor.
type MonitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the monitor and waits for it to exit. Safe to call twice.
func (h *MonitorHandle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the monitor goroutine has exited.
func (h *MonitorHandle) Done() <-chan struct{} {
	return h.done
}
