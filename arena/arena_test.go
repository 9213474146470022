// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arena

import (
	"testing"

	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/internal/mmio"
)

func TestRequireBAR0Missing(t *testing.T) {
	a := New(nil)

	if err := a.RequireBAR0(); err != ErrBAR0Required {
		t.Fatalf("expected ErrBAR0Required, got %v", err)
	}
}

func TestRegisterModifyRoundTrip(t *testing.T) {
	a := New(nil)
	lcr := make([]byte, 0x100)
	_ = a.MapBAR(0, BarInfo{PhysAddr: 0xfebf0000, Size: 0x100, space: mmio.NewSpace(lcr)})

	if err := a.RequireBAR0(); err != nil {
		t.Fatalf("RequireBAR0: %v", err)
	}

	err := a.RegisterModify(0x68, func(old uint32) uint32 {
		return old | 1<<8
	})
	if err != nil {
		t.Fatalf("RegisterModify: %v", err)
	}

	got, err := a.RegisterRead(0x68)
	if err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	if got != 1<<8 {
		t.Fatalf("got %#x, want %#x", got, 1<<8)
	}
}

func TestBarTransferRoundTrip(t *testing.T) {
	a := New(nil)
	win := make([]byte, 0x1000)
	_ = a.MapBAR(2, BarInfo{Size: 0x1000, space: mmio.NewSpace(win)})

	src := []byte{1, 2, 3, 4}
	if err := a.BarTransferWrite(2, 0x10, src, 32, false); err != nil {
		t.Fatalf("BarTransferWrite: %v", err)
	}

	dst := make([]byte, 4)
	if err := a.BarTransferRead(2, 0x10, dst, 32, false); err != nil {
		t.Fatalf("BarTransferRead: %v", err)
	}

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %d, want %d", i, dst[i], src[i])
		}
	}
}

func TestBarTransferUnmappedBAR(t *testing.T) {
	a := New(nil)

	if err := a.BarTransferRead(3, 0, make([]byte, 4), 32, false); err == nil {
		t.Fatal("expected error reading from an unmapped BAR")
	}
}

func TestBarTransferBoundarySucceedsAtExactSizeFailsPastIt(t *testing.T) {
	a := New(nil)
	win := make([]byte, 0x1000)
	_ = a.MapBAR(2, BarInfo{Size: 0x1000, space: mmio.NewSpace(win)})

	buf := make([]byte, 4)
	if err := a.BarTransferRead(2, 0x1000-4, buf, 32, false); err != nil {
		t.Fatalf("expected exact-boundary transfer to succeed, got %v", err)
	}

	if err := a.BarTransferRead(2, 0x1000-4+1, buf, 8, false); err != ErrInvalidSize {
		t.Fatalf("expected ErrInvalidSize one byte past the boundary, got %v", err)
	}
}

func TestBarTransferRejectsMisalignedAccess(t *testing.T) {
	a := New(nil)
	win := make([]byte, 0x1000)
	_ = a.MapBAR(2, BarInfo{Size: 0x1000, space: mmio.NewSpace(win)})

	if err := a.BarTransferRead(2, 0x11, make([]byte, 4), 32, false); err != ErrMisalignedAccess {
		t.Fatalf("expected ErrMisalignedAccess for an unaligned local address, got %v", err)
	}
	if err := a.BarTransferRead(2, 0x10, make([]byte, 3), 32, false); err != ErrMisalignedAccess {
		t.Fatalf("expected ErrMisalignedAccess for an unaligned size, got %v", err)
	}
	if err := a.BarTransferRead(2, 0x10, make([]byte, 4), 12, false); err != ErrInvalidAccessWidth {
		t.Fatalf("expected ErrInvalidAccessWidth for a bad access width, got %v", err)
	}
}

func TestBarTransferRemapWalksWindowsAndRestoresRegister(t *testing.T) {
	a := New(nil)

	lcr := make([]byte, 0x100)
	_ = a.MapBAR(0, BarInfo{Size: 0x100, space: mmio.NewSpace(lcr)})

	win := make([]byte, 0x10)
	_ = a.MapBAR(2, BarInfo{Size: 0x10, space: mmio.NewSpace(win)})
	a.SetChip(chipops.Table{})

	_ = a.RegisterModify(0x0fc, func(uint32) uint32 { return 0xdeadbeef })

	src := make([]byte, 0x20)
	for i := range src {
		src[i] = byte(i)
	}

	if err := a.BarTransferWrite(2, 0x1230, src, 8, true); err != nil {
		t.Fatalf("BarTransferWrite (remap): %v", err)
	}

	dst := make([]byte, 0x20)
	if err := a.BarTransferRead(2, 0x1230, dst, 8, true); err != nil {
		t.Fatalf("BarTransferRead (remap): %v", err)
	}

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %d, want %d", i, dst[i], src[i])
		}
	}

	got, err := a.RegisterRead(0x0fc)
	if err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("expected remap register restored to %#x, got %#x", 0xdeadbeef, got)
	}
}

func TestBarTransferRemapRejectsBARWithNoRemapRegister(t *testing.T) {
	a := New(nil)
	win := make([]byte, 0x10)
	_ = a.MapBAR(0, BarInfo{Size: 0x10, space: mmio.NewSpace(win)})
	a.SetChip(chipops.Table{})

	if err := a.BarTransferRead(0, 0, make([]byte, 4), 32, true); err != ErrNoRemapRegister {
		t.Fatalf("expected ErrNoRemapRegister, got %v", err)
	}
}

func TestDMABufferLifecycleAndOwnerCleanup(t *testing.T) {
	pool := bufpool.New(0x10000, 0x1000)
	a := New(pool)

	alloc, err := a.AllocDMABuffer(bufpool.Request{Size: 0x100, Owner: 42})
	if err != nil {
		t.Fatalf("AllocDMABuffer: %v", err)
	}

	_, err = a.AllocDMABuffer(bufpool.Request{Size: 0x100, Owner: 99})
	if err != nil {
		t.Fatalf("AllocDMABuffer (other owner): %v", err)
	}

	n := a.FreeOwnerBuffers(42)
	if n != 1 {
		t.Fatalf("expected 1 buffer freed for owner 42, got %d", n)
	}

	if err := a.FreeDMABuffer(alloc.Addr, 42); err == nil {
		t.Fatal("expected double-free to fail after owner cleanup")
	}

	if n := pool.InUse(); n != 0x100 {
		t.Fatalf("expected remaining owner's buffer still counted, got %#x", n)
	}
}
