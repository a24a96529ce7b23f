// Package reactor provides the single dispatch goroutine on which all timer
// callbacks and posted commands run. Nothing scheduled on a Reactor ever runs
// concurrently with anything else scheduled on the same Reactor.
package reactor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"example.com/tempctl/base/timebase"
)

const queueLen = 64

// Never is the waketime of a timer that is not scheduled.
var Never time.Time

var (
	ErrAlreadyRunning = errors.New("reactor: already running")
)

// TimerCallback is called with the time at which the dispatch happened and
// returns the next waketime, or Never to leave the timer idle.
type TimerCallback func(eventtime time.Time) time.Time

type Timer struct {
	callback TimerCallback
	waketime time.Time
	running  bool
}

type Reactor struct {
	log *zap.Logger
	clk timebase.LocalClock

	mu     sync.Mutex
	timers []*Timer

	queue   chan func()
	running bool
}

func New(log *zap.Logger, clk timebase.LocalClock) *Reactor {
	return &Reactor{
		log:   log,
		clk:   clk,
		queue: make(chan func(), queueLen),
	}
}

func (r *Reactor) Now() time.Time {
	return r.clk.Now()
}

func (r *Reactor) RegisterTimer(callback TimerCallback, waketime time.Time) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Timer{callback: callback, waketime: waketime}
	r.timers = append(r.timers, t)
	return t
}

// UpdateTimer replaces the pending waketime of t. A pending dispatch is
// superseded, never queued behind the new one.
func (r *Reactor) UpdateTimer(t *Timer, waketime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.waketime = waketime
}

func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.waketime = Never
	r.timers = slices.DeleteFunc(r.timers, func(x *Timer) bool { return x == t })
}

// Pending reports whether t is scheduled to fire.
func (r *Reactor) Pending(t *Timer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !t.waketime.IsZero()
}

func (r *Reactor) Waketime(t *Timer) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.waketime
}

// NextWake returns the earliest pending waketime, or Never.
func (r *Reactor) NextWake() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := Never
	for _, t := range r.timers {
		if t.waketime.IsZero() {
			continue
		}
		if next.IsZero() || t.waketime.Before(next) {
			next = t.waketime
		}
	}
	return next
}

// Post queues fn to run on the dispatch goroutine.
func (r *Reactor) Post(fn func()) {
	r.queue <- fn
}

// Call runs fn on the dispatch goroutine and waits for its result. If ctx
// ends before fn has started, fn is skipped and ctx.Err() is returned; once
// fn has started, Call returns its result.
func (r *Reactor) Call(ctx context.Context, fn func() error) error {
	const (
		pending int32 = iota
		started
		abandoned
	)
	var state atomic.Int32
	done := make(chan error, 1)
	select {
	case r.queue <- func() {
		if ctx.Err() != nil || !state.CompareAndSwap(pending, started) {
			return
		}
		done <- fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

func (r *Reactor) drain() {
	for {
		select {
		case fn := <-r.queue:
			fn()
		default:
			return
		}
	}
}

func (r *Reactor) dueTimers(eventtime time.Time) []*Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Timer
	for _, t := range r.timers {
		if !t.waketime.IsZero() && !t.waketime.After(eventtime) {
			due = append(due, t)
		}
	}
	slices.SortStableFunc(due, func(a, b *Timer) int {
		return a.waketime.Compare(b.waketime)
	})
	return due
}

// Dispatch runs queued functions, then fires every timer due at eventtime
// once, earliest first. A timer cancelled or moved by an earlier callback in
// the same pass is skipped.
func (r *Reactor) Dispatch(eventtime time.Time) {
	r.drain()
	for _, t := range r.dueTimers(eventtime) {
		r.mu.Lock()
		if t.waketime.IsZero() || t.waketime.After(eventtime) || t.running {
			r.mu.Unlock()
			continue
		}
		t.waketime = Never
		t.running = true
		r.mu.Unlock()

		next := t.callback(eventtime)

		r.mu.Lock()
		t.running = false
		if !next.IsZero() {
			t.waketime = next
		}
		r.mu.Unlock()
	}
}

// Run dispatches timers and posted functions until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.log.Debug("reactor started")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.Dispatch(r.clk.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var timerC <-chan time.Time
		if next := r.NextWake(); !next.IsZero() {
			timer.Reset(max(next.Sub(r.clk.Now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			r.log.Debug("reactor stopped")
			return ctx.Err()
		case fn := <-r.queue:
			fn()
		case <-timerC:
		}
	}
}
