// Wait-object lifecycle for interrupt notification
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intr

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gotamago/plxbridge/internal/log"
)

// State is a WaitObject's lifecycle state.
type State int

const (
	// Idle: registered, nothing pending, no waiter blocked.
	Idle State = iota
	// Waiting: a goroutine is blocked in Wait.
	Waiting
	// Triggered: the notify spec fired and no one has observed it yet.
	Triggered
	// Cancelled: the object was cancelled; Wait returns immediately from
	// now on and the object should be discarded.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Triggered:
		return "triggered"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrCancelled is returned by Wait when the object was cancelled while a
// wait was outstanding, or is already cancelled at call time.
var ErrCancelled = errors.New("intr: wait object cancelled")

// WaitObject is a single owner's registration for one or more interrupt
// sources. Wait blocks until one of Spec.Sources becomes active, the
// context is done, or the object is cancelled. Each firing auto-resets the
// object from Triggered back to Idle, the way a condition variable's
// predicate is consumed by the thread that observes it becoming true —
// Wait never returns the same event twice.
type WaitObject struct {
	Spec  NotifySpec
	Owner uint64

	mu sync.Mutex

	state  State
	signal chan struct{}
	cause  Mask // the sources that satisfied the most recent Wait fire

	// sources accumulates every Notify's firing sources since the last
	// status read, independent of cause and of whether a Wait call was
	// even outstanding to consume it. ReadAndClearSources atomically reads
	// and zeroes it, the way status(wo_handle) reads and clears a wait
	// object's source_* fields.
	sources Mask
}

// NewWaitObject creates an Idle wait object for spec, owned by owner.
func NewWaitObject(owner uint64, spec NotifySpec) *WaitObject {
	return &WaitObject{
		Spec:   spec,
		Owner:  owner,
		state:  Idle,
		signal: make(chan struct{}, 1),
	}
}

// Notify marks the object Triggered if active intersects its Spec, waking
// any goroutine blocked in Wait. It is called from the deferred interrupt
// handler, never from hard-IRQ context. Returns whether it fired.
func (w *WaitObject) Notify(active Mask) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Cancelled {
		return false
	}

	fired := active & w.Spec.Sources
	if fired == 0 {
		return false
	}

	w.cause = fired
	w.sources |= fired
	w.state = Triggered

	select {
	case w.signal <- struct{}{}:
	default:
		// already has a pending signal; the waiter will observe Triggered
	}

	return true
}

// Wait blocks until the object fires, ctx is done, or the object is
// cancelled. On a successful fire it returns the causing Mask and resets
// the object to Idle.
func (w *WaitObject) Wait(ctx context.Context) (Mask, error) {
	w.mu.Lock()
	if w.state == Cancelled {
		w.mu.Unlock()
		return 0, ErrCancelled
	}

	if w.state == Triggered {
		cause := w.cause
		w.state = Idle
		w.mu.Unlock()
		return cause, nil
	}

	w.state = Waiting
	w.mu.Unlock()

	select {
	case <-w.signal:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.state == Cancelled {
			return 0, ErrCancelled
		}
		cause := w.cause
		w.state = Idle
		return cause, nil
	case <-ctx.Done():
		w.mu.Lock()
		if w.state == Waiting {
			w.state = Idle
		}
		w.mu.Unlock()
		return 0, ctx.Err()
	}
}

// Status reports the object's current lifecycle state without blocking.
func (w *WaitObject) Status() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ReadAndClearSources atomically reads and zeroes the accumulated set of
// interrupt sources that have fired against this object since the last
// call, the way status(wo_handle) reads and clears a wait object's
// source_* fields for return to the caller.
func (w *WaitObject) ReadAndClearSources() Mask {
	w.mu.Lock()
	defer w.mu.Unlock()

	sources := w.sources
	w.sources = 0
	return sources
}

// Cancel marks the object Cancelled and wakes any blocked Wait. Subsequent
// Wait calls return ErrCancelled immediately.
func (w *WaitObject) Cancel() {
	w.mu.Lock()
	w.state = Cancelled
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// DrainCancel cancels w and waits up to budget for any in-flight Wait
// call to observe the cancellation and return, backing off between polls
// with limiter. If the deadline passes with the object still reporting
// Waiting, DrainCancel logs a warning and returns false: the blocked Wait call
// is left to return on its own context deadline, and the WaitObject is
// leaked rather than reused, since reusing it while another goroutine may
// still hold a reference to it would risk a second Notify racing a fresh
// registration.
func (w *WaitObject) DrainCancel(budget time.Duration, limiter *rate.Limiter) bool {
	w.Cancel()

	deadline := time.Now().Add(budget)

	stillWaiting := func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.state == Waiting
	}

	for time.Now().Before(deadline) {
		if !stillWaiting() {
			return true
		}

		if limiter != nil {
			_ = limiter.Wait(context.Background())
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if stillWaiting() {
		log.Warnf("intr", "wait object drain timed out after %v; leaking it", budget)
		return false
	}
	return true
}
