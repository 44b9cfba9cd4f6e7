// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"sync"
	"time"
)

// Mock is a controllable Clock for tests. Advance moves time forward and
// fires any timers/afters whose deadline has passed.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockTimer
}

// NewMock returns a Mock clock starting at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, deadline: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.waiters = append(m.waiters, t)
	return t
}

// Advance moves the mock clock forward by d, firing any expired timers
// in deadline order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var remaining []*mockTimer
	for _, t := range m.waiters {
		if t.stopped {
			continue
		}
		if !t.deadline.After(now) {
			select {
			case t.ch <- now:
			default:
			}
		} else {
			remaining = append(remaining, t)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	t.clock.waiters = append(t.clock.waiters, t)
	return wasActive
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
