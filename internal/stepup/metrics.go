// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the step-up counters.
type Metrics struct {
	Verifications *prometheus.CounterVec
	SMSSends      *prometheus.CounterVec
	Completed     prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_stepup_verifications_total",
				Help: "Step-up verification attempts by step and result.",
			},
			[]string{"step", "result"},
		),
		SMSSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_stepup_sms_sends_total",
				Help: "SMS PIN send requests by result.",
			},
			[]string{"result"},
		),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_stepup_sessions_completed_total",
			Help: "Step-up sessions that completed both factors.",
		}),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.Verifications, m.SMSSends, m.Completed)
}
