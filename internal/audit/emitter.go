// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Sink receives audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Emitter stamps entries and delivers them to every sink.
type Emitter struct {
	sinks  []Sink
	now    func() time.Time
	logger *zap.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithSinks adds sinks.
func WithSinks(sinks ...Sink) Option {
	return func(e *Emitter) { e.sinks = append(e.sinks, sinks...) }
}

// WithClock injects the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEmitter creates an Emitter. With no sinks, entries are dropped.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		now:     time.Now,
		logger:  zap.NewNop(),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) newID(t time.Time) string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), e.entropy).String()
}

// Emit fills ID and Timestamp when unset and writes to every sink. All
// sinks are attempted; their errors are joined.
func (e *Emitter) Emit(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
	if entry.ID == "" {
		entry.ID = e.newID(entry.Timestamp)
	}

	var errs []error
	for _, s := range e.sinks {
		if err := s.Write(ctx, entry); err != nil {
			e.logger.Error("audit sink failed",
				zap.String("event_type", entry.EventType),
				zap.String("audit_id", entry.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
