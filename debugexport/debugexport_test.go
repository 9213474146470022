// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package debugexport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gotamago/plxbridge/arena"
	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/device"
	"github.com/gotamago/plxbridge/dmaengine"
	"github.com/gotamago/plxbridge/intr"
	"github.com/gotamago/plxbridge/internal/mmio"
	"github.com/gotamago/plxbridge/irqsim"
	"github.com/gotamago/plxbridge/registry"
)

type fakeIntrRegs struct{ intcsr, outPost uint32 }

func (f *fakeIntrRegs) ReadINTCSR() uint32          { return f.intcsr }
func (f *fakeIntrRegs) ReadOutPostStatus() uint32   { return f.outPost }
func (f *fakeIntrRegs) AckAndReenable(bits uint32)  { f.intcsr &^= bits }
func (f *fakeIntrRegs) SetMasterEnable(bool)        {}

type fakeDecoder struct{}

func (fakeDecoder) DecodeCause(intcsr, outPost uint32) intr.Cause { return intr.Cause{Raw: intcsr} }
func (fakeDecoder) AckBits(active intr.Mask) uint32               { return 0 }

type fakeDMARegs struct{ cmdstat [2]uint32 }

func (f *fakeDMARegs) WriteMode(dmaengine.Channel, uint32) error          { return nil }
func (f *fakeDMARegs) ReadMode(dmaengine.Channel) (uint32, error)         { return 0, nil }
func (f *fakeDMARegs) WritePCIAddr(dmaengine.Channel, uint32) error       { return nil }
func (f *fakeDMARegs) WriteLocalAddr(dmaengine.Channel, uint32) error     { return nil }
func (f *fakeDMARegs) WriteSize(dmaengine.Channel, uint32) error          { return nil }
func (f *fakeDMARegs) WriteDescriptorPtr(dmaengine.Channel, uint32) error { return nil }
func (f *fakeDMARegs) WriteDACHigh(dmaengine.Channel, uint32) error       { return nil }
func (f *fakeDMARegs) ReadCmdStat(c dmaengine.Channel) (uint32, error)    { return f.cmdstat[c], nil }
func (f *fakeDMARegs) WriteCmdStat(c dmaengine.Channel, val uint32) error { f.cmdstat[c] = val; return nil }

type fakeAllocator struct{}

func (fakeAllocator) AllocCoherent(size uint32, owner uint64) (dmaengine.CoherentBuffer, error) {
	return dmaengine.CoherentBuffer{KernelVA: make([]byte, size), Size: size, Owner: owner}, nil
}
func (fakeAllocator) FreeCoherent(dmaengine.CoherentBuffer, uint64) error { return nil }

type fakeLocker struct{}

func (fakeLocker) LockPages(buf []byte, d dmaengine.Direction) ([]dmaengine.PagePin, error) {
	return []dmaengine.PagePin{{Size: uint32(len(buf))}}, nil
}
func (fakeLocker) UnlockPages([]dmaengine.PagePin, dmaengine.Direction) {}

func newTestDevice(t *testing.T) *device.Device {
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

	regs := &fakeIntrRegs{}
	ic := intr.NewController(irqsim.New(4), regs, regs, fakeDecoder{})

	dmaRegs := &fakeDMARegs{}
	dmaRegs.cmdstat[0] = dmaengine.StatusDoneB
	dmaRegs.cmdstat[1] = dmaengine.StatusDoneB
	eng := dmaengine.New(dmaRegs, fakeAllocator{}, fakeLocker{})

	dev := device.New(registry.DeviceKey{Chip: uint32(chipops.Chip9054)}, tbl, ar, ic, eng)
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return dev
}

func TestSnapshotReflectsChipAndState(t *testing.T) {
	dev := newTestDevice(t)

	snap := Snapshot(dev)
	if snap.Chip != chipops.Chip9054.String() {
		t.Fatalf("expected chip %q, got %q", chipops.Chip9054.String(), snap.Chip)
	}
	if snap.State != device.Started.String() {
		t.Fatalf("expected state %q, got %q", device.Started.String(), snap.State)
	}
	if snap.DmaChannel0Status != "closed" {
		t.Fatalf("expected channel 0 closed, got %q", snap.DmaChannel0Status)
	}
}

func TestSnapshotReflectsOpenDMAChannel(t *testing.T) {
	dev := newTestDevice(t)

	h, err := dev.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dev.DMA.Open(dmaengine.Channel1, h.Owner()); err != nil {
		t.Fatalf("DMA Open: %v", err)
	}

	snap := Snapshot(dev)
	if snap.DmaChannel1Status == "closed" {
		t.Fatalf("expected channel 1 to report as open, got %q", snap.DmaChannel1Status)
	}
	if snap.OpenOwnerCount != 1 {
		t.Fatalf("expected one open owner, got %d", snap.OpenOwnerCount)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	snap := Snapshot(dev)

	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Chip != snap.Chip || decoded.State != snap.State {
		t.Fatalf("expected round-tripped snapshot to match original, got %+v vs %+v", decoded, snap)
	}
}

func TestHandlerServesProtobufContentType(t *testing.T) {
	dev := newTestDevice(t)

	req := httptest.NewRequest(http.MethodGet, "/debug/status", nil)
	rec := httptest.NewRecorder()

	Handler(dev)(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf content type, got %q", ct)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	decoded, err := Unmarshal(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Unmarshal response body: %v", err)
	}
	if decoded.Chip != chipops.Chip9054.String() {
		t.Fatalf("expected chip in response body, got %q", decoded.Chip)
	}
}
