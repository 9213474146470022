// PCI capability list scanning
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// Capability IDs (PCI Code and ID Assignment Specification, §2).
const (
	CapPower          = 0x01
	CapVPD            = 0x03
	CapSlotID         = 0x04
	CapMSI            = 0x05
	CapHotSwap        = 0x06
	CapPCIX           = 0x07
	CapVendorSpecific = 0x09
	CapPCIe           = 0x10
	CapMSIX           = 0x11
)

// statusHasCapList is bit 4 of the PCI Status register (offset 0x06, upper
// half of the Command/Status dword).
const statusHasCapList = 1 << (16 + 4)

// CapabilityHeader is the common two-byte header of every entry in a
// device's Capabilities List.
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

// Capabilities returns an iterator over the device's Capabilities List
// walking the linked list rooted at CapabilitiesOffset. It yields the
// configuration-space offset of each capability's header along with the
// decoded header itself.
func (d *Device) Capabilities() func(func(off uint32, hdr CapabilityHeader) bool) {
	return func(yield func(uint32, CapabilityHeader) bool) {
		if d.Read(Command)&statusHasCapList == 0 {
			return
		}

		off := d.Read(CapabilitiesOffset) & 0xff
		seen := make(map[uint32]bool)

		for off != 0 {
			if seen[off] {
				// malformed/cyclic capability list; stop rather than loop forever.
				return
			}
			seen[off] = true

			raw := d.Read(off)
			hdr := CapabilityHeader{ID: uint8(raw), Next: uint8(raw >> 8)}

			if !yield(off, hdr) {
				return
			}

			off = uint32(hdr.Next)
		}
	}
}

// FindCapability returns the configuration-space offset of the first
// capability matching id, or ok=false if none is present.
func (d *Device) FindCapability(id uint8) (off uint32, ok bool) {
	for o, hdr := range d.Capabilities() {
		if hdr.ID == id {
			return o, true
		}
	}
	return 0, false
}
