// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepup

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSMSCooldown is the minimum gap between two SMS sends.
const DefaultSMSCooldown = 60 * time.Second

// SMSThrottle allows one SMS per cooldown across every session that shares
// it. One instance is meant to be shared process-wide; tests make their own.
type SMSThrottle struct {
	mu       sync.Mutex
	cooldown time.Duration
	limiter  *rate.Limiter
}

// NewSMSThrottle creates a throttle that starts ready to send.
func NewSMSThrottle(cooldown time.Duration) *SMSThrottle {
	if cooldown <= 0 {
		cooldown = DefaultSMSCooldown
	}
	return &SMSThrottle{
		cooldown: cooldown,
		limiter:  rate.NewLimiter(rate.Every(cooldown), 1),
	}
}

// Reserve consumes the send slot at now, or reports how long to wait.
func (t *SMSThrottle) Reserve(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter.AllowN(now, 1) {
		return 0, true
	}
	return t.waitLocked(now), false
}

// RetryAfter reports how long until a send would be allowed; zero if now.
func (t *SMSThrottle) RetryAfter(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitLocked(now)
}

func (t *SMSThrottle) waitLocked(now time.Time) time.Duration {
	missing := 1 - t.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(t.cooldown))
}

// Reset makes the next send allowed immediately.
func (t *SMSThrottle) Reset() {
	t.mu.Lock()
	t.limiter = rate.NewLimiter(rate.Every(t.cooldown), 1)
	t.mu.Unlock()
}
