// Package clock abstracts time so scheduling and retry behavior can be
// driven deterministically in tests. Production code uses System(); tests
// use NewManual() and Advance().
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the scheduler, engine, metrics store
// and alert evaluator. Nothing in those paths calls time.Now directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker

	// Sleep blocks for d or until ctx is done. Returns ctx.Err() when
	// interrupted, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

// Ticker mirrors time.Ticker behind an interface so the manual clock can
// fire ticks on Advance.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// ---- system clock ----

type systemClock struct{}

// System returns the wall clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }

// ---- manual clock (tests) ----

// Manual is a hand-cranked clock. Advance moves time forward and fires
// every due timer and ticker in timestamp order. Channel sends never
// block: like time.Ticker, a tick is dropped when the receiver is slow.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at     time.Time
	period time.Duration // 0 for one-shot
	ch     chan time.Time
	stop   bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- m.now
		return t.ch
	}
	m.timers = append(m.timers, t)
	return t.ch
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	m.timers = append(m.timers, t)
	return &manualTickerHandle{m: m, t: t}
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-m.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the clock forward by d, firing timers and tickers whose
// deadlines fall inside the window, in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		m.now = next.at
		select {
		case next.ch <- next.at:
		default:
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.stop = true
		}
		m.compactLocked()
	}
	m.now = target
	m.mu.Unlock()
}

// Set jumps the clock to t (t must not be in the past), firing anything due.
func (m *Manual) Set(t time.Time) {
	d := t.Sub(m.Now())
	if d < 0 {
		panic("clock: Set moving backwards")
	}
	m.Advance(d)
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTimer {
	var due *manualTimer
	for _, t := range m.timers {
		if t.stop || t.at.After(limit) {
			continue
		}
		if due == nil || t.at.Before(due.at) {
			due = t
		}
	}
	return due
}

func (m *Manual) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stop {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool { return m.timers[i].at.Before(m.timers[j].at) })
}

type manualTickerHandle struct {
	m *Manual
	t *manualTimer
}

func (h *manualTickerHandle) C() <-chan time.Time { return h.t.ch }

func (h *manualTickerHandle) Stop() {
	h.m.mu.Lock()
	h.t.stop = true
	h.m.compactLocked()
	h.m.mu.Unlock()
}
