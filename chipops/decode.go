// Interrupt cause decoding, EEPROM waveform, reset and BAR remap quirks
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package chipops

import "github.com/gotamago/plxbridge/intr"

// sourceBits gives, per chip family, the (enableBit, activeBit) pair for
// each driver-level Source. A zero pair means the source does not exist on
// this chip (e.g. DMA on a 9030/9050).
type sourceBits struct {
	enable, active uint32
}

func (t Table) bitsFor(source intr.Source) (sourceBits, bool) {
	switch source {
	case intr.SourceDoorbell:
		if t.offsets.Doorbell == 0 {
			return sourceBits{}, false
		}
		return sourceBits{IntrDoorbellEnable, IntrDoorbellActive}, true
	case intr.SourcePCIAbort:
		return sourceBits{IntrAbortEnable, IntrAbortActive}, true
	case intr.SourceLocal1:
		return sourceBits{IntrLocal1Enable, IntrLocal1Active}, true
	case intr.SourceDMA0:
		if !t.HasDMAChannel(0) {
			return sourceBits{}, false
		}
		return sourceBits{IntrDMA0Enable, IntrDMA0Active}, true
	case intr.SourceDMA1:
		if !t.HasDMAChannel(1) {
			return sourceBits{}, false
		}
		return sourceBits{IntrDMA1Enable, IntrDMA1Active}, true
	case intr.SourceOutboundPost:
		if !t.hasMessagingUnit {
			return sourceBits{}, false
		}
		return sourceBits{OutPostEnable, OutPostActive}, true
	default:
		return sourceBits{}, false
	}
}

// DecodeCause interprets one read of the interrupt control/status register
// (and, for chips with a messaging unit, the caller-supplied outbound-post
// status) into the set of driver-level Sources that are both enabled and
// currently asserted.
func (t Table) DecodeCause(intcsr uint32, outPostStat uint32) intr.Cause {
	var active intr.Mask

	for s := intr.SourceDoorbell; s < intr.SourceOutboundPost; s++ {
		bits, ok := t.bitsFor(s)
		if !ok {
			continue
		}
		if intcsr&bits.enable != 0 && intcsr&bits.active != 0 {
			active |= intr.MaskOf(s)
		}
	}

	if bits, ok := t.bitsFor(intr.SourceOutboundPost); ok {
		if intcsr&IntrMaster != 0 && outPostStat&bits.active != 0 {
			active |= intr.MaskOf(intr.SourceOutboundPost)
		}
	}

	return intr.Cause{Active: active, Raw: intcsr}
}

// NotifyMask translates a driver-level NotifySpec into the hardware enable
// bits of INTCSR that must be set for the requested sources to ever latch,
// given this chip's source-to-bit map. Sources the chip does not support are
// silently dropped (the caller already knows HasDMA/HasMessagingUnit).
func (t Table) NotifyMask(spec intr.NotifySpec) uint32 {
	var enable uint32
	for _, s := range spec.Sources.Sources() {
		if bits, ok := t.bitsFor(s); ok {
			enable |= bits.enable
		}
	}
	return enable
}

// AckBits returns the INTCSR bits that must be written back to acknowledge
// (clear) the given active sources. On this chip family the active bits are
// themselves write-to-clear, mirroring the enable bits they sit next to.
func (t Table) AckBits(active intr.Mask) uint32 {
	var ack uint32
	for _, s := range active.Sources() {
		if bits, ok := t.bitsFor(s); ok {
			ack |= bits.active
		}
	}
	return ack
}

// EEPROMWaveform describes the bit-banged EEPROM protocol timing this chip
// family expects: which CNTRL bits carry clock/data/chip-select, and the
// bit position of the "EEPROM present" and "write done" status flags.
type EEPROMWaveform struct {
	ClockBit    uint8
	DataInBit   uint8
	DataOutBit  uint8
	ChipSelBit  uint8
	PresentBit  uint8 // CNTRL bit signalling an EEPROM is fitted
	WriteOKBit  uint8 // CNTRL bit signalling the last write completed
	AddressBits uint8 // width of the EEPROM's address field
}

// EEPROMWaveform returns this chip's bit-banged EEPROM access protocol. The
// 9030/9050 family wires the EEPROM through a narrower control word than
// the 9054-and-later family; both are grounded on Eep_9000.c, which treats
// the write-done polarity as chip-specific and does not normalize it — this
// driver preserves that rather than guessing a single convention.
func (t Table) EEPROMWaveform() EEPROMWaveform {
	switch t.chip {
	case Chip9030, Chip9050:
		return EEPROMWaveform{
			ClockBit: 0, DataInBit: 1, DataOutBit: 2, ChipSelBit: 3,
			PresentBit: 28, WriteOKBit: 27, AddressBits: 6,
		}
	default:
		return EEPROMWaveform{
			ClockBit: 24, DataInBit: 25, DataOutBit: 26, ChipSelBit: 29,
			PresentBit: 28, WriteOKBit: 27, AddressBits: 8,
		}
	}
}

// BoardReset issues this chip's soft-reset sequence: assert the local bus
// reset bit, deassert it in the very next register write, then re-arm the
// interrupt master-enable bit that a reset otherwise clears. No delay is
// inserted between assert and deassert, the command-register and
// hot-swap/power-management bits are not saved or restored, and the EEPROM
// is not reloaded.
func (t Table) BoardReset(rmw RegisterModifier) error {
	const localResetBit = 1 << 30 // CNTRL bit, common across the family

	if err := rmw(t.offsets.EEPROMCtrl, func(old uint32) uint32 {
		return old | localResetBit
	}); err != nil {
		return err
	}

	if err := rmw(t.offsets.EEPROMCtrl, func(old uint32) uint32 {
		return old &^ localResetBit
	}); err != nil {
		return err
	}

	return rmw(t.offsets.IntrCtrlStat, func(old uint32) uint32 {
		return old | IntrMaster
	})
}

// BarRemapOffset returns the LCR offset of the local-address-space remap
// register backing PCI BAR n, or ok=false if the chip does not expose a
// remap register for that BAR (only BAR2/BAR3's space-0/space-1 windows are
// remappable on this family).
func (t Table) BarRemapOffset(bar int) (offset uint16, ok bool) {
	switch bar {
	case 2:
		return 0x0fc, true
	case 3:
		return 0x0f8, true
	default:
		return 0, false
	}
}
