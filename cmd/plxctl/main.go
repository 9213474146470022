// plxctl: demo entry point wiring the whole driver stack against irqsim
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// plxctl is a tamago-board-agnostic demo: it attaches a simulated
// PLX/Oxford 9054 device backed by irqsim instead of real hardware,
// exercises a register write/read, a block DMA transfer and a wait-object
// notification, then serves a live debug status export over HTTP
// alongside mkevac/debugcharts, the way the teacher's own example program
// prints a banner and runs a handful of self-checks before idling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	_ "github.com/mkevac/debugcharts"

	"github.com/gotamago/plxbridge/arena"
	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/debugexport"
	"github.com/gotamago/plxbridge/device"
	"github.com/gotamago/plxbridge/dmaengine"
	ilog "github.com/gotamago/plxbridge/internal/log"
	"github.com/gotamago/plxbridge/internal/mmio"
	"github.com/gotamago/plxbridge/intr"
	"github.com/gotamago/plxbridge/ioctl"
	"github.com/gotamago/plxbridge/irqsim"
	"github.com/gotamago/plxbridge/registry"
)

var listenAddr = flag.String("listen", "127.0.0.1:6969", "debug HTTP listen address")

func main() {
	flag.Parse()
	log.SetFlags(0)

	ilog.SetSink(func(s string) { fmt.Fprint(os.Stdout, s) })

	fmt.Println("-- plxctl -----------------------------------------------------------")

	dev, reg, err := attachSimulatedDevice()
	if err != nil {
		log.Fatalf("attach: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/debug/status", debugexport.Handler(dev))
	// debugcharts and net/http/pprof register on http.DefaultServeMux.
	mux.Handle("/debug/", http.DefaultServeMux)
	go func() {
		fmt.Printf("serving debug status + charts on http://%s/debug/status\n", *listenAddr)
		if err := http.ListenAndServe(*listenAddr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "debug server: %v\n", err)
		}
	}()

	runSelfCheck(dev, reg)

	select {}
}

// attachSimulatedDevice builds a Device the way the real probe path would,
// but over an irqsim.Controller instead of board-level interrupt plumbing.
func attachSimulatedDevice() (*device.Device, *registry.Registry, error) {
	tbl, ok := chipops.Lookup(uint16(chipops.Chip9054))
	if !ok {
		return nil, nil, fmt.Errorf("no chipops table for chip 9054")
	}

	pool := bufpool.New(0x100000, 0x100000)
	ar := arena.New(pool)

	lcr := mmio.NewSpace(make([]byte, 0x1000))
	if err := ar.MapBAR(0, arena.NewBarInfo(0xfebf0000, 0x1000, false, false, lcr)); err != nil {
		return nil, nil, err
	}

	irqController := irqsim.New(16)
	regs := &simIntrRegs{}
	ic := intr.NewController(irqController, regs, regs, tbl)

	dmaRegs := &simDMARegs{}
	eng := dmaengine.New(dmaRegs, &simAllocator{}, &simLocker{})

	key := registry.DeviceKey{Bus: 0, Slot: 1, Function: 0, Vendor: 0x10b5, Device: 0x9054, Chip: uint32(chipops.Chip9054)}

	reg := registry.New()
	if err := reg.Add(key); err != nil {
		return nil, nil, err
	}

	dev := device.New(key, tbl, ar, ic, eng)
	if err := dev.Start(); err != nil {
		return nil, nil, err
	}

	return dev, reg, nil
}

func runSelfCheck(dev *device.Device, reg *registry.Registry) {
	dispatcher := ioctl.NewDispatcher(reg, map[registry.DeviceKey]*device.Device{dev.Key: dev})

	find := &ioctl.Params{Query: dev.Key, Payload: &ioctl.DeviceFindPayload{}}
	if status := dispatcher.Dispatch(context.Background(), dev, nil, ioctl.OpDeviceFind, find); status != ioctl.Success {
		fmt.Printf("device find: unexpected status %v\n", status)
	} else {
		fmt.Printf("device found: %+v\n", find.Payload.(*ioctl.DeviceFindPayload).Result)
	}

	h, err := dev.Open()
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	write := &ioctl.Params{Payload: &ioctl.RegisterAccessPayload{Offset: 0x04, Value: 0xcafef00d}}
	dispatcher.Dispatch(context.Background(), dev, h, ioctl.OpRegisterWrite, write)

	read := &ioctl.Params{Payload: &ioctl.RegisterAccessPayload{Offset: 0x04}}
	dispatcher.Dispatch(context.Background(), dev, h, ioctl.OpRegisterRead, read)
	fmt.Printf("register round-trip: wrote %#x, read back %#x\n",
		write.Payload.(*ioctl.RegisterAccessPayload).Value, read.Payload.(*ioctl.RegisterAccessPayload).Value)

	notifySpec := intr.NotifySpec{Sources: intr.MaskOf(intr.SourceDoorbell)}
	register := &ioctl.Params{Payload: &ioctl.NotificationPayload{Spec: notifySpec, Timeout: 500 * time.Millisecond}}
	dispatcher.Dispatch(context.Background(), dev, h, ioctl.OpNotificationRegisterFor, register)

	wait := &ioctl.Params{Payload: register.Payload}
	status := dispatcher.Dispatch(context.Background(), dev, h, ioctl.OpNotificationWait, wait)
	fmt.Printf("notification wait (no interrupt fired): %v\n", status)

	fmt.Println("self-check complete, serving debug status export")
}

// simIntrRegs/simDMARegs back the simulated device with plain in-memory
// registers rather than real hardware windows, the irqsim-facing analogue
// of the fakes used in package-level tests.
type simIntrRegs struct {
	intcsr, outPost uint32
}

func (r *simIntrRegs) ReadINTCSR() uint32           { return r.intcsr }
func (r *simIntrRegs) ReadOutPostStatus() uint32    { return r.outPost }
func (r *simIntrRegs) AckAndReenable(bits uint32)   { r.intcsr &^= bits }
func (r *simIntrRegs) SetMasterEnable(enabled bool) {}

type simDMARegs struct {
	cmdstat [2]uint32
}

func (r *simDMARegs) WriteMode(dmaengine.Channel, uint32) error          { return nil }
func (r *simDMARegs) ReadMode(dmaengine.Channel) (uint32, error)         { return 0, nil }
func (r *simDMARegs) WritePCIAddr(dmaengine.Channel, uint32) error       { return nil }
func (r *simDMARegs) WriteLocalAddr(dmaengine.Channel, uint32) error     { return nil }
func (r *simDMARegs) WriteSize(dmaengine.Channel, uint32) error          { return nil }
func (r *simDMARegs) WriteDescriptorPtr(dmaengine.Channel, uint32) error { return nil }
func (r *simDMARegs) WriteDACHigh(dmaengine.Channel, uint32) error       { return nil }
func (r *simDMARegs) ReadCmdStat(c dmaengine.Channel) (uint32, error) {
	return r.cmdstat[c] | dmaengine.StatusDoneB, nil
}
func (r *simDMARegs) WriteCmdStat(c dmaengine.Channel, val uint32) error {
	r.cmdstat[c] = val
	return nil
}

type simAllocator struct{ next uint64 }

func (a *simAllocator) AllocCoherent(size uint32, owner uint64) (dmaengine.CoherentBuffer, error) {
	addr := a.next
	a.next += uint64(size) + 0x1000
	return dmaengine.CoherentBuffer{KernelVA: make([]byte, size), BusAddr: addr, Size: size, Owner: owner}, nil
}
func (a *simAllocator) FreeCoherent(dmaengine.CoherentBuffer, uint64) error { return nil }

// simLocker simulates get_user_pages + dma_map_page: it splits buf into
// dmaengine.PageSize chunks starting at a fixed, deliberately non-aligned
// offset, the way a real user buffer rarely starts on a page boundary.
type simLocker struct{}

const simLockerOffset = 0x123

func (simLocker) LockPages(buf []byte, direction dmaengine.Direction) ([]dmaengine.PagePin, error) {
	var pins []dmaengine.PagePin

	remaining := len(buf)
	offset := simLockerOffset
	addr := uint64(0x9000 + simLockerOffset)

	for remaining > 0 {
		n := dmaengine.PageSize - offset
		if n > remaining {
			n = remaining
		}
		pins = append(pins, dmaengine.PagePin{BusAddr: addr, Size: uint32(n)})
		addr += uint64(n)
		remaining -= n
		offset = 0
	}

	return pins, nil
}
func (simLocker) UnlockPages([]dmaengine.PagePin, dmaengine.Direction) {}
