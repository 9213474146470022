// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package device

import (
	"context"
	"testing"
	"time"

	"github.com/gotamago/plxbridge/arena"
	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/dmaengine"
	"github.com/gotamago/plxbridge/intr"
	"github.com/gotamago/plxbridge/internal/mmio"
	"github.com/gotamago/plxbridge/irqsim"
	"github.com/gotamago/plxbridge/registry"
)

type fakeIntrRegs struct {
	intcsr  uint32
	outPost uint32
	master  bool
}

func (f *fakeIntrRegs) ReadINTCSR() uint32           { return f.intcsr }
func (f *fakeIntrRegs) ReadOutPostStatus() uint32    { return f.outPost }
func (f *fakeIntrRegs) AckAndReenable(bits uint32)   { f.intcsr &^= bits }
func (f *fakeIntrRegs) SetMasterEnable(enabled bool) { f.master = enabled }

type fakeDecoder struct{}

func (fakeDecoder) DecodeCause(intcsr uint32, outPostStat uint32) intr.Cause {
	var active intr.Mask
	if intcsr&(1<<13) != 0 {
		active |= intr.MaskOf(intr.SourceDoorbell)
	}
	return intr.Cause{Active: active, Raw: intcsr}
}

func (fakeDecoder) AckBits(active intr.Mask) uint32 {
	if active.Has(intr.SourceDoorbell) {
		return 1 << 13
	}
	return 0
}

type fakeDMARegs struct {
	cmdstat [2]uint32
}

func (f *fakeDMARegs) WriteMode(dmaengine.Channel, uint32) error          { return nil }
func (f *fakeDMARegs) ReadMode(dmaengine.Channel) (uint32, error)         { return 0, nil }
func (f *fakeDMARegs) WritePCIAddr(dmaengine.Channel, uint32) error       { return nil }
func (f *fakeDMARegs) WriteLocalAddr(dmaengine.Channel, uint32) error     { return nil }
func (f *fakeDMARegs) WriteSize(dmaengine.Channel, uint32) error          { return nil }
func (f *fakeDMARegs) WriteDescriptorPtr(dmaengine.Channel, uint32) error { return nil }
func (f *fakeDMARegs) WriteDACHigh(dmaengine.Channel, uint32) error       { return nil }
func (f *fakeDMARegs) ReadCmdStat(c dmaengine.Channel) (uint32, error)    { return f.cmdstat[c], nil }
func (f *fakeDMARegs) WriteCmdStat(c dmaengine.Channel, val uint32) error {
	f.cmdstat[c] = val
	return nil
}

type fakeDMAAllocator struct{ next uint64 }

func (a *fakeDMAAllocator) AllocCoherent(size uint32, owner uint64) (dmaengine.CoherentBuffer, error) {
	addr := a.next
	a.next += uint64(size) + 0x1000
	return dmaengine.CoherentBuffer{KernelVA: make([]byte, size), BusAddr: addr, Size: size, Owner: owner}, nil
}
func (a *fakeDMAAllocator) FreeCoherent(dmaengine.CoherentBuffer, uint64) error { return nil }

type fakeLocker struct{ unlocked int }

func (l *fakeLocker) LockPages(buf []byte, direction dmaengine.Direction) ([]dmaengine.PagePin, error) {
	return []dmaengine.PagePin{{BusAddr: 0x9000, Size: uint32(len(buf))}}, nil
}
func (l *fakeLocker) UnlockPages(pins []dmaengine.PagePin, direction dmaengine.Direction) {
	l.unlocked += len(pins)
}

// newTestDevice builds a Device with BAR0 already mapped (satisfying
// RequireBAR0) and every collaborator backed by an in-memory fake.
func newTestDevice(t *testing.T) *Device {
	t.Helper()

	tbl, ok := chipops.Lookup(uint16(chipops.Chip9054))
	if !ok {
		t.Fatal("expected 9054 lookup to succeed")
	}

	pool := bufpool.New(0x100000, 0x10000)
	ar := arena.New(pool)

	lcr := mmio.NewSpace(make([]byte, 0x100))
	if err := ar.MapBAR(0, arena.NewBarInfo(0xfebf0000, 0x100, false, false, lcr)); err != nil {
		t.Fatalf("MapBAR(0): %v", err)
	}

	irqc := irqsim.New(4)
	regs := &fakeIntrRegs{}
	ic := intr.NewController(irqc, regs, regs, fakeDecoder{})

	dmaRegs := &fakeDMARegs{}
	dmaRegs.cmdstat[0] = dmaengine.StatusDoneB
	dmaRegs.cmdstat[1] = dmaengine.StatusDoneB
	eng := dmaengine.New(dmaRegs, &fakeDMAAllocator{}, &fakeLocker{})

	return New(registry.DeviceKey{Chip: uint32(chipops.Chip9054)}, tbl, ar, ic, eng)
}

func TestLifecycleRequiresBAR0(t *testing.T) {
	pool := bufpool.New(0x100000, 0x1000)
	ar := arena.New(pool)
	dev := New(registry.DeviceKey{}, chipops.Table{}, ar, nil, nil)

	if err := dev.Start(); err == nil {
		t.Fatal("expected Start to fail without BAR0 mapped")
	}
}

func TestOpenRequiresStarted(t *testing.T) {
	dev := newTestDevice(t)

	if _, err := dev.Open(); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestOwnerCloseCleansUpInOrder(t *testing.T) {
	dev := newTestDevice(t)

	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h, err := dev.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w := dev.RegisterWait(h, intr.NotifySpec{Sources: intr.MaskOf(intr.SourceDoorbell)})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := w.Wait(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)

	if err := dev.DMA.Open(dmaengine.Channel0, h.id); err != nil {
		t.Fatalf("DMA Open: %v", err)
	}

	if _, _, err := dev.MapDMABuffer(h, bufpool.Request{Size: 0x100}); err != nil {
		t.Fatalf("MapDMABuffer: %v", err)
	}

	dev.Close(h)

	select {
	case err := <-done:
		if err != intr.ErrCancelled {
			t.Fatalf("expected wait object cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait object was never cancelled by Close")
	}

	// the DMA channel must have been closed as part of cleanup: a fresh
	// Open under a new owner should succeed.
	h2, _ := dev.Open()
	if err := dev.DMA.Open(dmaengine.Channel0, h2.id); err != nil {
		t.Fatalf("expected channel to be closed and reopenable, got %v", err)
	}
}

func TestMapBARReturnsMappedWindow(t *testing.T) {
	dev := newTestDevice(t)

	buf, err := dev.MapBAR(0)
	if err != nil {
		t.Fatalf("MapBAR: %v", err)
	}
	if len(buf) != 0x100 {
		t.Fatalf("expected BAR0 window of 0x100 bytes, got %d", len(buf))
	}
}

func TestMapBARUnmappedFails(t *testing.T) {
	dev := newTestDevice(t)

	if _, err := dev.MapBAR(3); err == nil {
		t.Fatal("expected error mapping an unmapped BAR")
	}
}
