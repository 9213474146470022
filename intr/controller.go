// Two-stage interrupt handling: hard-IRQ latch, deferred dispatch
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package intr

import (
	"sync"

	"github.com/gotamago/plxbridge/internal/log"
)

// IRQController is the external collaborator that actually services
// hardware interrupt vectors and wakes the goroutine blocked on them,
// modeled on the CPU.ServiceInterrupts(isr func(int)) pattern: a single
// goroutine parks waiting for the next vector, an ISR callback runs on it
// when one arrives, then it re-arms and parks again. Kernel-API shims for
// portability across host environments live behind this interface rather
// than inside this package.
type IRQController interface {
	// ServiceInterrupts parks the calling goroutine, invoking isr(vector)
	// each time an interrupt fires, forever. It does not return until the
	// controller is torn down.
	ServiceInterrupts(isr func(vector int))
	// EnableInterrupts unmasks the controller's interrupt line.
	EnableInterrupts()
	// DisableInterrupts masks it.
	DisableInterrupts()
}

// Reader is the minimal register access Controller needs: reading
// the interrupt-control/status register and, for chips with a messaging
// unit, the outbound-post status register.
type Reader interface {
	ReadINTCSR() uint32
	ReadOutPostStatus() uint32
}

// Writer acknowledges handled interrupt sources and controls the master
// enable bit.
type Writer interface {
	AckAndReenable(ackBits uint32)
	SetMasterEnable(enabled bool)
}

// ChipDecoder is the subset of chipops.Table the controller needs: decoding
// a raw register read into a driver-level Cause and computing the ack bits
// for it. Declared locally (rather than importing chipops.Table directly)
// so the controller can be unit tested against a fake decoder with no
// hardware-register knowledge at all.
type ChipDecoder interface {
	DecodeCause(intcsr uint32, outPostStat uint32) Cause
	AckBits(active Mask) uint32
}

// DMAChannel mirrors dmaengine.Channel without this package importing
// dmaengine: the completion hook is wired in by a caller (device.New) that
// can see both types, via a small adapter around dmaengine.Engine.
type DMAChannel int

// DMACompleter is the narrow dmaengine.Engine method the deferred handler
// needs to reap a finished SGL transfer's locked pages when a DMA0Done or
// DMA1Done cause fires. Declared locally for the same reason as
// ChipDecoder: it keeps intr free of any dependency on dmaengine.
type DMACompleter interface {
	Completion(ch DMAChannel) error
}

// Controller wires one device's IRQController to its register state and
// fans a detected Cause out to every registered WaitObject whose Spec
// intersects it.
type Controller struct {
	irq     IRQController
	reg     Reader
	ack     Writer
	decoder ChipDecoder

	mu        sync.Mutex
	waiters   map[*WaitObject]struct{}
	completer DMACompleter

	// work is the single-slot handoff between the hard-IRQ stage and the
	// deferred stage: the isr callback latches one Cause and enqueues it
	// here, a dedicated goroutine drains it and does the blocking-capable
	// work, so the hard-IRQ goroutine is never the one fanning out to
	// wait objects or calling back into DMA completion.
	work chan Cause
}

// NewController creates a Controller. Run must be called (typically in its
// own goroutine) to begin servicing interrupts.
func NewController(irq IRQController, reg Reader, ack Writer, decoder ChipDecoder) *Controller {
	return &Controller{
		irq:     irq,
		reg:     reg,
		ack:     ack,
		decoder: decoder,
		waiters: make(map[*WaitObject]struct{}),
		work:    make(chan Cause, 1),
	}
}

// SetDMACompleter registers the collaborator the deferred handler calls on
// a DMA0Done/DMA1Done cause. Optional: with none set, DMA-done causes still
// reach waiters but no automatic page release happens, leaving that to the
// channel's eventual synchronous Close fallback.
func (c *Controller) SetDMACompleter(completer DMACompleter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completer = completer
}

// Register adds w to the set of wait objects considered on every interrupt.
func (c *Controller) Register(w *WaitObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[w] = struct{}{}
}

// EnableInterrupts unmasks the underlying IRQController's interrupt line,
// for callers (ioctl dispatch) that expose interrupt enable/disable as an
// explicit operation rather than only ever via Run/Start.
func (c *Controller) EnableInterrupts() {
	c.irq.EnableInterrupts()
}

// DisableInterrupts masks the underlying IRQController's interrupt line.
func (c *Controller) DisableInterrupts() {
	c.irq.DisableInterrupts()
}

// Unregister removes w from the controller's notification set. Callers
// must still Cancel/DrainCancel w themselves; Unregister only stops future
// Notify calls from reaching it.
func (c *Controller) Unregister(w *WaitObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, w)
}

// Run launches the deferred-handler goroutine and services interrupts
// until the underlying IRQController's ServiceInterrupts loop is torn down
// (it does not return in normal operation; callers launch it as its own
// goroutine). The isr callback passed to the controller is the hard-IRQ
// stage: it must stay short and non-blocking, since it runs on the single
// dedicated interrupt-handling goroutine. All it does is read INTCSR once,
// mask the master-enable bit so the line does not re-fire while this event
// is outstanding, and latch the decoded cause into the single-slot work
// channel for the deferred stage to pick up.
func (c *Controller) Run() {
	go c.runDeferred()

	c.irq.ServiceInterrupts(func(vector int) {
		intcsr := c.reg.ReadINTCSR()
		outPost := c.reg.ReadOutPostStatus()

		c.ack.SetMasterEnable(false)

		cause := c.decoder.DecodeCause(intcsr, outPost)
		if cause.Active == 0 {
			// spurious or already-serviced; just re-enable and move on.
			c.ack.SetMasterEnable(true)
			return
		}

		c.work <- cause
	})
}

// runDeferred is the deferred stage's own goroutine: it drains the
// single-slot work channel and runs deferredHandle for each cause, kept
// entirely off the hard-IRQ goroutine so the isr callback above never
// blocks on wait-object delivery or a DMA completion callback.
func (c *Controller) runDeferred() {
	for cause := range c.work {
		c.deferredHandle(cause)
	}
}

// deferredHandle is the blocking-capable stage: it fans the cause out to
// registered wait objects, invokes the DMA completer for any DMA-done
// source named, acknowledges every active source in the cause (delivered or
// not), logs a cause nobody was waiting for, and re-enables the master
// interrupt switch.
func (c *Controller) deferredHandle(cause Cause) {
	c.mu.Lock()
	delivered := false
	for w := range c.waiters {
		if w.Notify(cause.Active) {
			delivered = true
		}
	}
	completer := c.completer
	c.mu.Unlock()

	if !delivered {
		log.Warnf("intr", "unclaimed interrupt cause %#x (raw %#x)", uint32(cause.Active), cause.Raw)
	}

	if completer != nil {
		if cause.Active.Has(SourceDMA0) {
			if err := completer.Completion(DMAChannel(0)); err != nil {
				log.Warnf("intr", "dma0 completion: %v", err)
			}
		}
		if cause.Active.Has(SourceDMA1) {
			if err := completer.Completion(DMAChannel(1)); err != nil {
				log.Warnf("intr", "dma1 completion: %v", err)
			}
		}
	}

	ack := c.decoder.AckBits(cause.Active)
	c.ack.AckAndReenable(ack)
	c.ack.SetMasterEnable(true)
}
