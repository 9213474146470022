// Per-chip register layout and capability table
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package chipops holds the per-chip-family knowledge the rest of the driver
// needs but must not hardcode: register offsets, interrupt cause decoding,
// EEPROM access waveform, board reset sequence and BAR remap quirks. Every
// supported chip (9030, 9050, 9054, 9056, 9080, 9656, 8311) gets one Table.
package chipops

// Chip identifies a PLX/Oxford bridge family by its PCI device ID.
type Chip uint16

const (
	Chip9030 Chip = 0x9030
	Chip9050 Chip = 0x9050
	Chip9054 Chip = 0x9054
	Chip9056 Chip = 0x9056
	Chip9080 Chip = 0x9080
	Chip9656 Chip = 0x9656
	Chip8311 Chip = 0x8311
)

func (c Chip) String() string {
	switch c {
	case Chip9030:
		return "9030"
	case Chip9050:
		return "9050"
	case Chip9054:
		return "9054"
	case Chip9056:
		return "9056"
	case Chip9080:
		return "9080"
	case Chip9656:
		return "9656"
	case Chip8311:
		return "8311"
	default:
		return "unknown"
	}
}

// RegisterOffsets are the local-configuration-register (LCR) byte offsets
// needed outside the chipops package, read off the PLX9054 data book and
// adjusted per family below.
type RegisterOffsets struct {
	IntrCtrlStat uint16 // INTCSR: interrupt control/status
	EEPROMCtrl   uint16 // CNTRL: EEPROM/MISC control & status
	Doorbell     uint16 // PCI-side doorbell register (0 if unsupported)
	DMA0Mode     uint16 // DMA channel 0 mode (0 if unsupported)
	DMA0PciAddr  uint16
	DMA0LocAddr  uint16
	DMA0Size     uint16
	DMA0DescPtr  uint16
	DMA0CmdStat  uint16
	DMA1Mode     uint16 // DMA channel 1 (0 if unsupported)
	DMA1PciAddr  uint16
	DMA1LocAddr  uint16
	DMA1Size     uint16
	DMA1DescPtr  uint16
	DMA1CmdStat  uint16
	OutPostStat  uint16 // messaging-unit outbound-post interrupt status (0 if none)
	OutPostMask  uint16
}

// base9054 holds the PCI9054 offsets (Reg9054.h), the reference layout every
// other family is a variation of.
var base9054 = RegisterOffsets{
	IntrCtrlStat: 0x068,
	EEPROMCtrl:   0x06c,
	Doorbell:     0x064,
	DMA0Mode:     0x080,
	DMA0PciAddr:  0x084,
	DMA0LocAddr:  0x088,
	DMA0Size:     0x08c,
	DMA0DescPtr:  0x090,
	DMA0CmdStat:  0x0a8,
	DMA1Mode:     0x094,
	DMA1PciAddr:  0x098,
	DMA1LocAddr:  0x09c,
	DMA1Size:     0x0a0,
	DMA1DescPtr:  0x0a4,
	DMA1CmdStat:  0x0a9,
}

// base9030 holds the simpler PCI9030/9050 layout: no DMA engine, no
// messaging unit, a narrower EEPROM interface.
var base9030 = RegisterOffsets{
	IntrCtrlStat: 0x04c,
	EEPROMCtrl:   0x050,
	Doorbell:     0,
	DMA0Mode:     0,
}

// Interrupt control/status bits (INTCSR), identical across the 905x/908x/965x
// family; see PlxInterrupt.c.
const (
	IntrMaster        = 1 << 8  // PCI interrupt enable (master switch)
	IntrPCIActive     = 1 << 15 // local-1 assigned this bit on 9054-family wiring
	IntrDoorbellEnable = 1 << 9
	IntrDoorbellActive = 1 << 13
	IntrAbortEnable    = 1 << 10
	IntrAbortActive    = 1 << 14
	IntrLocal1Enable   = 1 << 11
	IntrLocal1Active   = 1 << 15
	IntrDMA0Enable     = 1 << 18
	IntrDMA0Active     = 1 << 21
	IntrDMA1Enable     = 1 << 19
	IntrDMA1Active     = 1 << 22
	DMAModeInterruptOnDone = 1 << 17
	OutPostActive          = 1 << 3
	OutPostEnable          = 1 << 3
)

// EEPROM control/status bits (CNTRL register).
const (
	EEPROMPresent   = 1 << 28
	EEPROMWriteDone = 1 << 27
)

// Table bundles the per-chip knowledge everything else in the driver needs.
// A Table value is immutable and safe for concurrent use.
type Table struct {
	chip             Chip
	offsets          RegisterOffsets
	hasMessagingUnit bool
	hasDMA           bool
}

// tables is the static registry of every supported chip's capability set.
var tables = map[Chip]Table{
	Chip9030: {chip: Chip9030, offsets: base9030, hasMessagingUnit: false, hasDMA: false},
	Chip9050: {chip: Chip9050, offsets: base9030, hasMessagingUnit: false, hasDMA: false},
	Chip9054: {chip: Chip9054, offsets: base9054, hasMessagingUnit: false, hasDMA: true},
	Chip9056: {chip: Chip9056, offsets: base9054, hasMessagingUnit: true, hasDMA: true},
	Chip9080: {chip: Chip9080, offsets: base9054, hasMessagingUnit: false, hasDMA: true},
	Chip9656: {chip: Chip9656, offsets: base9054, hasMessagingUnit: true, hasDMA: true},
	Chip8311: {chip: Chip8311, offsets: base9054, hasMessagingUnit: true, hasDMA: true},
}

func init() {
	mu9656 := tables[Chip9656]
	mu9656.offsets.OutPostStat = 0x0b8
	mu9656.offsets.OutPostMask = 0x0bc
	tables[Chip9656] = mu9656

	mu9056 := tables[Chip9056]
	mu9056.offsets.OutPostStat = 0x0b8
	mu9056.offsets.OutPostMask = 0x0bc
	tables[Chip9056] = mu9056

	mu8311 := tables[Chip8311]
	mu8311.offsets.OutPostStat = 0x0b8
	mu8311.offsets.OutPostMask = 0x0bc
	tables[Chip8311] = mu8311
}

// RegisterModifier performs an atomic read-modify-write of the LCR dword at
// offset: newValue = modify(oldValue). Supplied by the arena package, which
// owns the actual synchronized register access; chipops only describes what
// to modify, never how.
type RegisterModifier func(offset uint16, modify func(old uint32) uint32) error

// Lookup returns the Table for a PCI device ID, or ok=false if the chip is
// not one of the supported bridge families.
func Lookup(deviceID uint16) (Table, bool) {
	t, ok := tables[Chip(deviceID)]
	return t, ok
}

// Chip returns the chip family this table describes.
func (t Table) Chip() Chip { return t.chip }

// RegisterOffsets returns this chip's LCR offset layout.
func (t Table) RegisterOffsets() RegisterOffsets { return t.offsets }

// HasMessagingUnit reports whether this chip has a second, inbound/outbound
// post-queue messaging unit distinct from the plain doorbell register
// (true for 9056/9656/8311, false for 9030/9050/9054/9080).
func (t Table) HasMessagingUnit() bool { return t.hasMessagingUnit }

// HasDMA reports whether this chip has a DMA engine at all (false for the
// 9030/9050 family).
func (t Table) HasDMA() bool { return t.hasDMA }

// HasDMAChannel reports whether DMA channel n (0 or 1) exists on this chip.
// All DMA-capable chips in this family have two channels.
func (t Table) HasDMAChannel(n int) bool {
	return t.hasDMA && (n == 0 || n == 1)
}
