// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock wraps time so that timer-driven subsystems (VRRP's
// down-timer and advertisement scheduler in particular) can be driven
// deterministically in tests instead of through the wall clock.
package clock

import "time"

// Clock is the subset of the time package that callers should depend on
// instead of calling time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors time.Timer with a settable channel so fakes can fire it
// on demand.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// system is the production Clock backed by the real wall clock.
type system struct{}

// Default is the process-wide real-time clock.
var Default Clock = system{}

func (system) Now() time.Time { return time.Now() }

func (system) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (system) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time      { return s.t.C }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }

// Now returns the current time from the package-level default clock.
// Code that needs deterministic tests should take a Clock dependency
// instead of calling this directly; Now exists for call sites (ported
// from the original heartbeat-based HA service) that only ever need
// wall-clock time outside of the VRRP timer hot path.
func Now() time.Time { return Default.Now() }
