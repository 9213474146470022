// Deterministic IRQController fake for hosted tests and demos
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package irqsim implements intr.IRQController without any hardware vector
// table: a channel takes the place of the interrupt line, so hosted tests
// and the CLI demo can trigger bridge-chip interrupts on demand instead of
// needing a real IDT and LAPIC. On bare-metal tamago the real
// intr.IRQController comes from the embedding board support package; on a
// Linux development host, package hostuio provides one.
package irqsim

import "sync"

// Controller is a software-triggered stand-in for a hardware interrupt
// line. Fire enqueues a vector; the goroutine running ServiceInterrupts
// picks it up the way a real CPU would deliver an IRQ.
type Controller struct {
	mu      sync.Mutex
	enabled bool

	vectors chan int
	stop    chan struct{}
}

// New creates a Controller with the given pending-vector queue depth.
func New(queueDepth int) *Controller {
	return &Controller{
		vectors: make(chan int, queueDepth),
		stop:    make(chan struct{}),
	}
}

// Fire enqueues vector as if it had just been raised on the interrupt line.
// It does not consult the enabled state or whether Stop was called; the
// vector is dropped only when the queue is full.
func (c *Controller) Fire(vector int) {
	select {
	case c.vectors <- vector:
	default:
		// queue full: drop, mirroring a coalesced level-triggered line
	}
}

// ServiceInterrupts blocks the calling goroutine, invoking isr(vector) for
// each fired vector, until Stop is called.
func (c *Controller) ServiceInterrupts(isr func(vector int)) {
	if isr == nil {
		isr = func(int) {}
	}

	for {
		select {
		case v := <-c.vectors:
			isr(v)
		case <-c.stop:
			return
		}
	}
}

// EnableInterrupts marks the simulated line unmasked.
func (c *Controller) EnableInterrupts() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// DisableInterrupts marks the simulated line masked.
func (c *Controller) DisableInterrupts() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// Enabled reports whether the simulated line is currently unmasked.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stop terminates a running ServiceInterrupts loop.
func (c *Controller) Stop() {
	close(c.stop)
}
