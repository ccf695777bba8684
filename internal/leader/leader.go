// Package leader implements the Leader Scheduler: given a target validator's
// upcoming leader slots, it computes how long to hold a send so it lands a
// fixed lead time before the next window.
//
// No teacher file computes leader-slot timing directly; this package is
// grounded on the general "compute a delay, clamp it, sleep cooperatively"
// shape used throughout internal/engine/janitor.go and trading/websocket.go
// (ticker + select-based waits, never a busy loop), and models the upstream
// schedule as a pluggable interface because no concrete validator-schedule
// provider exists anywhere in the example pack.
package leader

import "time"

// Config mirrors LeaderTimingConfig from spec §9.
type Config struct {
	Enabled     bool
	PreflightMs int
	WindowSlots int
	MaxHoldMs   int
}

// Source supplies the next leader-slot window start, in absolute wall-clock
// time, for the configured validator. WSSlotSource is the implementation in
// this package; callers and tests may supply their own.
type Source interface {
	NextLeaderWindow(now time.Time) (time.Time, bool)
}

// HoldDuration returns the delay before sending so the transaction lands
// PreflightMs before the next leader window, clamped to [0, MaxHoldMs].
func HoldDuration(now time.Time, src Source, cfg Config) time.Duration {
	if !cfg.Enabled || src == nil {
		return 0
	}
	windowStart, ok := src.NextLeaderWindow(now)
	if !ok {
		return 0
	}
	preflight := time.Duration(cfg.PreflightMs) * time.Millisecond
	target := windowStart.Add(-preflight)
	hold := target.Sub(now)
	if hold < 0 {
		hold = 0
	}
	maxHold := time.Duration(cfg.MaxHoldMs) * time.Millisecond
	if maxHold > 0 && hold > maxHold {
		hold = maxHold
	}
	return hold
}

// Wait sleeps cooperatively for HoldDuration, returning early if ctx-like
// cancellation is signalled via the done channel (nil means uncancellable).
func Wait(hold time.Duration, done <-chan struct{}) {
	if hold <= 0 {
		return
	}
	t := time.NewTimer(hold)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
	}
}
