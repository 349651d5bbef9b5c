// Package clock is the time source shared by the bus, the multiqueue and the
// transport protocol so that stream deadlines and inter-frame timers are
// measured on the same monotonic clock.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	Sleep(d time.Duration)
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
	// Reset rearms the timer to fire d from now. No stale value is delivered
	// after Reset returns.
	Reset(d time.Duration) bool
}

// Real is backed by the time package. Values returned by Now carry a
// monotonic reading so Since/Until are immune to wall clock steps.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }
func (Real) Until(t time.Time) time.Duration { return time.Until(t) }
func (Real) Sleep(d time.Duration)           { time.Sleep(d) }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Or returns c, or Real if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Mock is a manually advanced clock for tests. Sleep advances the clock by
// the requested duration and records it, so code that paces itself with
// Sleep runs instantly.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*mockTimer
}

func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration { return m.Now().Sub(t) }
func (m *Mock) Until(t time.Time) time.Duration { return t.Sub(m.Now()) }

// Advance moves the clock forward and fires every timer that expired.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	timers := make([]*mockTimer, len(m.timers))
	copy(timers, m.timers)
	m.mu.Unlock()
	for _, t := range timers {
		t.fire(now)
	}
}

func (m *Mock) Sleep(d time.Duration) {
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	m.mu.Unlock()
	m.Advance(d)
}

// Sleeps returns every duration passed to Sleep, in call order.
func (m *Mock) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	t := &mockTimer{
		clock:    m,
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
	}
	m.timers = append(m.timers, t)
	now := m.now
	m.mu.Unlock()
	if d <= 0 {
		t.fire(now)
	}
	return t
}

func (m *Mock) remove(t *mockTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

type mockTimer struct {
	clock    *Mock
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	active := !t.stopped && !t.fired
	t.stopped = true
	t.mu.Unlock()
	t.clock.remove(t)
	return active
}

func (t *mockTimer) Reset(d time.Duration) bool {
	now := t.clock.Now()
	t.mu.Lock()
	active := !t.stopped && !t.fired
	wasRemoved := t.stopped
	t.stopped = false
	t.fired = false
	t.deadline = now.Add(d)
	select {
	case <-t.ch:
	default:
	}
	t.mu.Unlock()
	if wasRemoved {
		t.clock.mu.Lock()
		t.clock.timers = append(t.clock.timers, t)
		t.clock.mu.Unlock()
	}
	if d <= 0 {
		t.fire(now)
	}
	return active
}

func (t *mockTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired || now.Before(t.deadline) {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}
