// Memory-mapped extended configuration space (ECAM)
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

import "github.com/gotamago/plxbridge/internal/mmio"

// ECAMRegion wraps the platform's PCI Express memory-mapped configuration
// region (MCFG), used for register offsets >= 0x100 that mechanism-1
// CONFIG_ADDRESS/CONFIG_DATA cannot reach.
type ECAMRegion struct {
	base       uintptr
	startBus   uint32
	endBus     uint32
	windowFunc func(addr uintptr, size int) []byte
}

// NewECAMRegion describes an MCFG-reported configuration region spanning
// [startBus, endBus]. windowFunc maps a physical address range to a
// byte slice (e.g. an identity-mapped bare metal view, or a test fake).
func NewECAMRegion(base uintptr, startBus, endBus uint32, windowFunc func(addr uintptr, size int) []byte) *ECAMRegion {
	return &ECAMRegion{base: base, startBus: startBus, endBus: endBus, windowFunc: windowFunc}
}

// Window returns the 4 KiB ECAM window for the given (bus, slot, function),
// or nil if the bus falls outside this region's range.
func (r *ECAMRegion) Window(bus, slot, fn uint32) *mmio.Space {
	if r == nil || bus < r.startBus || bus > r.endBus {
		return nil
	}

	off := uintptr(bus-r.startBus)<<20 | uintptr(slot)<<15 | uintptr(fn)<<12
	buf := r.windowFunc(r.base+off, ECAMWindowSize)
	if buf == nil {
		return nil
	}

	return mmio.NewSpace(buf)
}
