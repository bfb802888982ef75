// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package clock abstracts time so cooldowns, backoff, and request
// deadlines can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Clock is the time source used by the pool and the dispatch engine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a Clock whose time only moves when Advance or Set is called.
// Callbacks and channels scheduled on it fire synchronously from Advance,
// in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	c       *Manual
	id      int
	at      time.Time
	fn      func()
	ch      chan time.Time
	stopped bool
	fired   bool
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.schedule(d, f, nil)
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.schedule(d, nil, ch)
	return ch
}

// Pending reports how many timers are waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d and fires every timer due by then.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t and fires every timer due by then. Moving the
// clock backwards only changes Now.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || m.pending[0].at.After(t) {
			m.now = t
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.fired = true
		now := m.now
		m.mu.Unlock()

		if next.fn != nil {
			next.fn()
		}
		if next.ch != nil {
			next.ch <- now
		}
	}
}

func (m *Manual) schedule(d time.Duration, f func(), ch chan time.Time) *manualTimer {
	m.mu.Lock()
	m.seq++
	t := &manualTimer{c: m, id: m.seq, at: m.now.Add(d), fn: f, ch: ch}
	m.pending = append(m.pending, t)
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].at.Before(m.pending[j].at)
	})
	m.mu.Unlock()

	if d <= 0 {
		m.Advance(0)
	}
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	for i, p := range t.c.pending {
		if p.id == t.id {
			t.c.pending = append(t.c.pending[:i], t.c.pending[i+1:]...)
			break
		}
	}
	return true
}
