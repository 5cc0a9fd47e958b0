// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorCheckWarnsOncePerExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store, _ := newTestStore(clock)
	require.NoError(t, store.Save(ctx, sampleRecord(clock)))

	var warnings []time.Duration
	expired := 0
	m := NewMonitor(store,
		WithWarningLead(2*time.Minute),
		OnWarning(func(_ Record, remaining time.Duration) { warnings = append(warnings, remaining) }),
		OnExpired(func() { expired++ }),
	)

	require.True(t, m.Check(ctx))
	require.Empty(t, warnings)

	clock.Advance(28 * time.Minute)
	require.True(t, m.Check(ctx))
	require.True(t, m.Check(ctx))
	require.Equal(t, []time.Duration{2 * time.Minute}, warnings)

	// Refreshing re-arms the warning.
	_, err := store.Refresh(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, m.Check(ctx))
	require.Len(t, warnings, 2)

	clock.Advance(time.Minute)
	require.False(t, m.Check(ctx))
	require.False(t, m.Check(ctx))
	require.Equal(t, 1, expired)
}

func TestMonitorStartAndStop(t *testing.T) {
	clock := newFakeClock()
	store, _ := newTestStore(clock)

	var expired atomic.Int32
	m := NewMonitor(store,
		WithInterval(5*time.Millisecond),
		OnExpired(func() { expired.Add(1) }),
	)
	h := m.Start(context.Background())

	require.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("monitor goroutine still running after Stop")
	}
	require.Equal(t, int32(1), expired.Load())
}

func TestMonitorStopsWithContext(t *testing.T) {
	store, _ := newTestStore(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	h := NewMonitor(store, WithInterval(time.Hour)).Start(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}
