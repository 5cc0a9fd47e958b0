// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Evaluator answers permission questions against a configurable table and
// records each decision in logs and metrics. The zero value is not usable;
// use NewEvaluator.
type Evaluator struct {
	table     PermissionTable
	logger    *zap.Logger
	decisions *prometheus.CounterVec
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithTable replaces the built-in role matrix.
func WithTable(t PermissionTable) EvaluatorOption {
	return func(e *Evaluator) {
		e.table = t.Clone()
	}
}

// WithLogger sets the logger used for decision logs.
func WithLogger(l *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegisterer registers the decision counter on reg.
func WithRegisterer(reg prometheus.Registerer) EvaluatorOption {
	return func(e *Evaluator) {
		if reg != nil {
			reg.MustRegister(e.decisions)
		}
	}
}

// NewEvaluator creates an Evaluator using the built-in table by default.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		table:  DefaultTable(),
		logger: zap.NewNop(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_access_decisions_total",
				Help: "Permission decisions by resource, action and result.",
			},
			[]string{"resource", "action", "result"},
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decisions exposes the decision counter for scraping in tests.
func (e *Evaluator) Decisions() *prometheus.CounterVec {
	return e.decisions
}

// HasPermission reports whether user may perform action on resource.
func (e *Evaluator) HasPermission(user AdminUser, resource Resource, action Action) bool {
	set, kind := resolve(e.table, user, resource)
	granted := set.Has(action)
	e.record(user, resource, action, kind, granted)
	return granted
}

// HasAllPermissions is the AND of HasPermission over actions.
func (e *Evaluator) HasAllPermissions(user AdminUser, resource Resource, actions ...Action) bool {
	for _, a := range actions {
		if !e.HasPermission(user, resource, a) {
			return false
		}
	}
	return true
}

// HasAnyPermission is the OR of HasPermission over actions.
func (e *Evaluator) HasAnyPermission(user AdminUser, resource Resource, actions ...Action) bool {
	for _, a := range actions {
		if e.HasPermission(user, resource, a) {
			return true
		}
	}
	return false
}

// GetAllowedActions returns the user's actions on resource.
func (e *Evaluator) GetAllowedActions(user AdminUser, resource Resource) []Action {
	set, _ := resolve(e.table, user, resource)
	return set.List()
}

func (e *Evaluator) record(user AdminUser, resource Resource, action Action, kind grantKind, granted bool) {
	result := "deny"
	if granted {
		result = "allow"
	}
	e.decisions.WithLabelValues(string(resource), string(action), result).Inc()

	// Debug only: denial reasons must not reach user-facing output.
	e.logger.Debug("permission check",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("resource", string(resource)),
		zap.String("action", string(action)),
		zap.String("source", kind.String()),
		zap.Bool("granted", granted),
	)
}
