// Per-device lifecycle, owner handles and resource teardown
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package device ties together one attached bridge chip's chipops table,
// resource arena, interrupt controller and DMA engine into a single
// lifecycle, and provides the OwnerHandle-scoped open/close semantics the
// rest of the driver's owner-cleanup invariant depends on: when an owner
// closes, its wait-objects are cancelled, its DMA channels are closed, and
// its DMA buffers are freed, in that order.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gotamago/plxbridge/arena"
	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/dmaengine"
	"github.com/gotamago/plxbridge/intr"
	"github.com/gotamago/plxbridge/registry"
)

// State is a device's coarse lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// drainBudget bounds how long Close waits for a cancelled wait-object's
// blocked Wait call to actually return before giving up and leaking it
// rather than holding the close path open indefinitely.
const drainBudget = 200 * time.Millisecond

// Handle is the opaque identity of one open client of a Device, the
// equivalent of an open file descriptor's identity in the hosted model
// this driver was distilled from. Its id, returned by Owner and unique per
// Open on one Device, is what the rest of the driver keys ownership on.
type Handle struct {
	id uint64
}

// Owner returns the opaque owner identity backing h, for callers (ioctl
// dispatch) that need to pass it through to ownership-scoped calls like
// dmaengine.Engine.Open without reaching into Device internals.
func (h *Handle) Owner() uint64 { return h.id }

// Device represents one attached, mapped bridge chip: the fixed chip
// capability table resolved at attach, its mapped resource arena, its
// interrupt controller and its DMA engine, plus the per-owner bookkeeping
// needed to tear all three down correctly when a client goes away.
type Device struct {
	mu sync.Mutex

	Key   registry.DeviceKey
	Chip  chipops.Table
	Arena *arena.Arena
	Intr  *intr.Controller
	DMA   *dmaengine.Engine

	state     State
	nextOwner uint64

	waitObjects map[uint64]map[*intr.WaitObject]struct{}
}

// New creates a Device in the Stopped state, wiring dma into ic's deferred
// handler (if both are non-nil) so a DMA0Done/DMA1Done cause automatically
// reaps the finished SGL transfer's locked pages.
func New(key registry.DeviceKey, chip chipops.Table, ar *arena.Arena, ic *intr.Controller, dma *dmaengine.Engine) *Device {
	if ic != nil && dma != nil {
		ic.SetDMACompleter(dmaCompleter{dma})
	}

	return &Device{
		Key:         key,
		Chip:        chip,
		Arena:       ar,
		Intr:        ic,
		DMA:         dma,
		waitObjects: make(map[uint64]map[*intr.WaitObject]struct{}),
	}
}

// dmaCompleter adapts dmaengine.Engine to intr.DMACompleter, translating
// intr's channel-agnostic DMAChannel into dmaengine's own Channel type so
// intr never has to import dmaengine.
type dmaCompleter struct {
	eng *dmaengine.Engine
}

func (a dmaCompleter) Completion(ch intr.DMAChannel) error {
	return a.eng.Completion(dmaengine.Channel(ch))
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start transitions Stopped -> Starting -> Started, requiring BAR0 (the
// local configuration register window) to already be mapped, and launches
// the interrupt controller's service loop if one is configured.
func (d *Device) Start() error {
	d.mu.Lock()
	if d.state != Stopped {
		d.mu.Unlock()
		return fmt.Errorf("device: cannot start from state %v", d.state)
	}
	d.state = Starting
	d.mu.Unlock()

	if d.Arena != nil {
		if err := d.Arena.RequireBAR0(); err != nil {
			d.mu.Lock()
			d.state = Stopped
			d.mu.Unlock()
			return err
		}
	}

	if d.Intr != nil {
		go d.Intr.Run()
	}

	d.mu.Lock()
	d.state = Started
	d.mu.Unlock()

	return nil
}

// Stop transitions Started -> Stopping -> Stopped, cancelling every
// outstanding wait-object across every owner. It does not stop the
// interrupt controller's service goroutines, and it does not wait for
// deferred work that is already queued.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.state != Started {
		d.mu.Unlock()
		return fmt.Errorf("device: cannot stop from state %v", d.state)
	}
	d.state = Stopping

	var all []*intr.WaitObject
	for _, set := range d.waitObjects {
		for w := range set {
			all = append(all, w)
		}
	}
	d.mu.Unlock()

	for _, w := range all {
		if d.Intr != nil {
			d.Intr.Unregister(w)
		}
		w.DrainCancel(drainBudget, nil)
	}

	d.mu.Lock()
	d.state = Stopped
	d.mu.Unlock()

	return nil
}

// ErrNotStarted is returned by Open when the device is not in the Started
// state.
var ErrNotStarted = fmt.Errorf("device: not started")

// Open admits a new owner, returning a Handle the caller uses for every
// subsequent call that needs ownership scoping.
func (d *Device) Open() (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Started {
		return nil, ErrNotStarted
	}

	d.nextOwner++
	h := &Handle{id: d.nextOwner}
	d.waitObjects[h.id] = make(map[*intr.WaitObject]struct{})

	return h, nil
}

// Close runs an owner's cleanup sequence: cancel its wait-objects, close
// its DMA channels, then free its DMA buffers, in that order, regardless
// of whether any individual step fails (a failure is logged by the
// sub-component, never allowed to abort the rest of cleanup).
func (d *Device) Close(h *Handle) {
	d.mu.Lock()
	waiters := d.waitObjects[h.id]
	delete(d.waitObjects, h.id)
	d.mu.Unlock()

	for w := range waiters {
		if d.Intr != nil {
			d.Intr.Unregister(w)
		}
		w.DrainCancel(drainBudget, nil)
	}

	if d.DMA != nil {
		_ = d.DMA.Close(dmaengine.Channel0, h.id, false)
		_ = d.DMA.Close(dmaengine.Channel1, h.id, false)
	}

	if d.Arena != nil {
		d.Arena.FreeOwnerBuffers(h.id)
	}
}

// RegisterWait creates a WaitObject for spec, owned by h, registers it with
// the interrupt controller, and tracks it so Close/Stop can find it again.
func (d *Device) RegisterWait(h *Handle, spec intr.NotifySpec) *intr.WaitObject {
	w := intr.NewWaitObject(h.id, spec)

	d.mu.Lock()
	if set, ok := d.waitObjects[h.id]; ok {
		set[w] = struct{}{}
	}
	d.mu.Unlock()

	if d.Intr != nil {
		d.Intr.Register(w)
	}

	return w
}

// CancelWait removes w from tracking, unregisters it from the interrupt
// controller and drains any in-flight Wait call on it.
func (d *Device) CancelWait(h *Handle, w *intr.WaitObject) {
	d.mu.Lock()
	if set, ok := d.waitObjects[h.id]; ok {
		delete(set, w)
	}
	d.mu.Unlock()

	if d.Intr != nil {
		d.Intr.Unregister(w)
	}
	w.DrainCancel(drainBudget, nil)
}

// OpenOwnerCount returns the number of currently open owners, for
// diagnostic/debug-export callers.
func (d *Device) OpenOwnerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waitObjects)
}

// MapBAR returns the byte-addressable window for BAR n, the tamago-model
// counterpart of mmap()ing a BAR into a process's address space: there is
// only one address space, so "mapping" just means handing out the slice.
func (d *Device) MapBAR(n int) ([]byte, error) {
	info, err := d.Arena.BAR(n)
	if err != nil {
		return nil, err
	}
	if info.Space() == nil {
		return nil, fmt.Errorf("device: BAR%d has no mapped memory window", n)
	}
	return info.Space().Raw(), nil
}

// MapDMABuffer allocates a DMA-coherent buffer on behalf of h and returns
// its byte-addressable storage along with the allocation metadata.
func (d *Device) MapDMABuffer(h *Handle, req bufpool.Request) ([]byte, bufpool.Allocation, error) {
	req.Owner = h.id

	alloc, err := d.Arena.AllocDMABuffer(req)
	if err != nil {
		return nil, bufpool.Allocation{}, err
	}

	buf, err := d.Arena.DMABufferBytes(alloc.Addr, alloc.Size)
	if err != nil {
		return nil, bufpool.Allocation{}, err
	}

	return buf, alloc, nil
}
