// BAR mapping, owner-tagged DMA buffers and synchronized register access
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arena owns one attached device's mapped resources: its PCI base
// address registers, the DMA buffers its owners have allocated, and the
// single lock serializing read-modify-write access to its local
// configuration registers. It is the layer chipops.RegisterModifier
// implementations are built from.
package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/internal/mmio"
)

// ErrBAR0Required is returned by MapBARs if BAR0, the bridge's own local
// configuration register window, cannot be mapped: every chip in this
// family exposes its LCRs there, so a missing BAR0 means the probe found
// something that is not actually one of these bridges.
var ErrBAR0Required = errors.New("arena: BAR0 (local configuration registers) is required")

// Errors returned by BarTransferRead/Write's argument validation.
var (
	// ErrInvalidAccessWidth is returned when accessWidth is not 8, 16 or 32.
	ErrInvalidAccessWidth = errors.New("arena: access width must be 8, 16, or 32 bits")
	// ErrMisalignedAccess is returned when localAddr or the transfer size
	// is not a multiple of the access width.
	ErrMisalignedAccess = errors.New("arena: local address/size not aligned to access width")
	// ErrInvalidSize is returned by a non-remapped transfer that would run
	// past the end of the BAR window.
	ErrInvalidSize = errors.New("arena: local_addr+size exceeds the BAR window")
	// ErrNoRemapRegister is returned when remap is requested for a BAR the
	// chip does not expose a remap register for.
	ErrNoRemapRegister = errors.New("arena: BAR has no remap register on this chip")
)

// BarInfo describes one mapped PCI base address register.
type BarInfo struct {
	Index      int
	PhysAddr   uint64
	Size       uint64
	IsIO       bool
	Prefetch   bool
	space      *mmio.Space // nil for I/O BARs, which have no byte-addressable window
}

// Space returns the memory-mapped window backing this BAR, or nil if the
// BAR is an I/O BAR (no byte-addressable window exists for those).
func (b BarInfo) Space() *mmio.Space { return b.space }

// NewBarInfo constructs a BarInfo over an already-mapped window, for
// callers outside this package (probe/attach code, tests) that need to
// supply the mmio.Space explicitly since its field is unexported.
func NewBarInfo(phys, size uint64, isIO, prefetch bool, space *mmio.Space) BarInfo {
	return BarInfo{PhysAddr: phys, Size: size, IsIO: isIO, Prefetch: prefetch, space: space}
}

// dmaBuffer records one outstanding DMA allocation, tagged with the owner
// that requested it so device-close cleanup can find every buffer a given
// owner still holds without a separate index.
type dmaBuffer struct {
	addr  uint
	size  uint
	owner uint64
}

// Arena holds one attached device's mapped resources.
type Arena struct {
	mu sync.Mutex

	bars [6]BarInfo
	lcr  *mmio.Space // BAR0, the local configuration register window
	chip chipops.Table

	pool    *bufpool.Pool
	buffers map[uint]dmaBuffer
}

// New creates an empty Arena backed by pool for DMA buffer allocation. pool
// may be nil if this device's owners never allocate DMA buffers (tests,
// register-only access).
func New(pool *bufpool.Pool) *Arena {
	return &Arena{pool: pool, buffers: make(map[uint]dmaBuffer)}
}

// SetChip records the attached device's chip table, consulted by
// BarTransferRead/Write for the per-BAR remap register offset. Callers that
// never pass remap=true to a transfer don't need to call this.
func (a *Arena) SetChip(chip chipops.Table) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chip = chip
}

// MapBAR records bar as mapped at index n (0-5). Mapping BAR0 also latches
// it as the local-configuration-register window used by RegisterModify and
// BarTransfer.
func (a *Arena) MapBAR(n int, info BarInfo) error {
	if n < 0 || n > 5 {
		return fmt.Errorf("arena: invalid BAR index %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	info.Index = n
	a.bars[n] = info

	if n == 0 {
		a.lcr = info.space
	}

	return nil
}

// RequireBAR0 fails mapping if BAR0 never got a byte-addressable window,
// per this device family's invariant that the LCRs always sit at BAR0.
func (a *Arena) RequireBAR0() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lcr == nil {
		return ErrBAR0Required
	}
	return nil
}

// BAR returns the BarInfo for index n (0-5).
func (a *Arena) BAR(n int) (BarInfo, error) {
	if n < 0 || n > 5 {
		return BarInfo{}, fmt.Errorf("arena: invalid BAR index %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.bars[n], nil
}

// RegisterModify performs a synchronized read-modify-write of the dword at
// offset within the BAR0 local-configuration-register window. It is the
// concrete implementation backing chipops.RegisterModifier.
func (a *Arena) RegisterModify(offset uint16, modify func(old uint32) uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lcr == nil {
		return ErrBAR0Required
	}

	old := a.lcr.Read(uint32(offset))
	a.lcr.Write(uint32(offset), modify(old))
	return nil
}

// RegisterRead performs a synchronized read of the dword at offset within
// BAR0, without a writeback.
func (a *Arena) RegisterRead(offset uint16) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lcr == nil {
		return 0, ErrBAR0Required
	}

	return a.lcr.Read(uint32(offset)), nil
}

// BarTransferRead reads from a mapped BAR's local-address space into dst,
// starting at localAddr. accessWidth (8, 16 or 32) governs the alignment
// required of both localAddr and len(dst). When remap is true, the transfer
// may run past the BAR's mapped window size: the chip's remap register is
// saved, walked in power-of-two windows as the transfer advances, and
// restored before returning, letting a small BAR window reach a larger
// local-bus address space. When remap is false, the transfer is rejected if
// it would run past the BAR's mapped size (ErrInvalidSize).
func (a *Arena) BarTransferRead(bar int, localAddr uint32, dst []byte, accessWidth int, remap bool) error {
	return a.barTransfer(bar, localAddr, dst, accessWidth, remap, true)
}

// BarTransferWrite is the write-direction counterpart of BarTransferRead.
func (a *Arena) BarTransferWrite(bar int, localAddr uint32, src []byte, accessWidth int, remap bool) error {
	return a.barTransfer(bar, localAddr, src, accessWidth, remap, false)
}

func (a *Arena) barTransfer(bar int, localAddr uint32, buf []byte, accessWidth int, remap, read bool) error {
	if bar < 0 || bar > 5 {
		return fmt.Errorf("arena: invalid BAR index %d", bar)
	}

	align, err := accessWidthBytes(accessWidth)
	if err != nil {
		return err
	}
	if localAddr%align != 0 || uint32(len(buf))%align != 0 {
		return ErrMisalignedAccess
	}

	a.mu.Lock()
	info := a.bars[bar]
	chip := a.chip
	a.mu.Unlock()

	if info.space == nil {
		return fmt.Errorf("arena: BAR%d has no mapped window", bar)
	}

	size := uint64(len(buf))

	if !remap {
		if uint64(localAddr)+size > info.Size {
			return ErrInvalidSize
		}
		copyWindow(info.space, localAddr, buf, read)
		return nil
	}

	remapOffset, ok := chip.BarRemapOffset(bar)
	if !ok {
		return ErrNoRemapRegister
	}

	windowSize := nextPowerOfTwo(info.Size)

	saved, err := a.RegisterRead(remapOffset)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.RegisterModify(remapOffset, func(uint32) uint32 { return saved })
	}()

	var done uint64
	for done < size {
		addr := uint64(localAddr) + done
		windowBase := addr &^ (windowSize - 1)
		offsetInWindow := uint32(addr - windowBase)

		if err := a.RegisterModify(remapOffset, func(old uint32) uint32 {
			return uint32(windowBase)
		}); err != nil {
			return err
		}

		chunk := windowSize - uint64(offsetInWindow)
		if remaining := size - done; chunk > remaining {
			chunk = remaining
		}

		copyWindow(info.space, offsetInWindow, buf[done:done+chunk], read)
		done += chunk
	}

	return nil
}

// copyWindow moves n bytes between buf and the mapped window at off,
// direction determined by read.
func copyWindow(space *mmio.Space, off uint32, buf []byte, read bool) {
	if read {
		copy(buf, space.Bytes(off, len(buf)))
	} else {
		copy(space.Bytes(off, len(buf)), buf)
	}
}

func accessWidthBytes(accessWidth int) (uint32, error) {
	switch accessWidth {
	case 8:
		return 1, nil
	case 16:
		return 2, nil
	case 32:
		return 4, nil
	default:
		return 0, ErrInvalidAccessWidth
	}
}

// nextPowerOfTwo rounds size up to the next power of two. PCI BAR sizes are
// already required to be powers of two, so this is a no-op in practice; it
// exists for the same defensive reason the original bar_transfer rounds
// rather than assumes.
func nextPowerOfTwo(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	p := uint64(1)
	for p < size {
		p <<= 1
	}
	return p
}

// AllocDMABuffer allocates a DMA-coherent buffer for owner and records it
// against the arena so FreeOwnerBuffers can find it again at close time.
func (a *Arena) AllocDMABuffer(req bufpool.Request) (bufpool.Allocation, error) {
	if a.pool == nil {
		return bufpool.Allocation{}, errors.New("arena: no DMA buffer pool configured")
	}

	alloc, err := a.pool.Alloc(req)
	if err != nil {
		return bufpool.Allocation{}, err
	}

	a.mu.Lock()
	a.buffers[alloc.Addr] = dmaBuffer{addr: alloc.Addr, size: alloc.Size, owner: req.Owner}
	a.mu.Unlock()

	return alloc, nil
}

// DMABufferBytes returns the byte-addressable storage for a buffer
// previously granted by AllocDMABuffer, the DMA-buffer counterpart to a
// mapped BAR's Space().Raw().
func (a *Arena) DMABufferBytes(addr uint, size uint) ([]byte, error) {
	if a.pool == nil {
		return nil, errors.New("arena: no DMA buffer pool configured")
	}
	return a.pool.Bytes(addr, size), nil
}

// FreeDMABuffer releases one buffer previously allocated by owner.
func (a *Arena) FreeDMABuffer(addr uint, owner uint64) error {
	if a.pool == nil {
		return errors.New("arena: no DMA buffer pool configured")
	}

	if err := a.pool.Free(addr, owner); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.buffers, addr)
	a.mu.Unlock()

	return nil
}

// FreeOwnerBuffers releases every DMA buffer still held by owner, called
// during device-close cleanup. It returns the number of buffers released.
func (a *Arena) FreeOwnerBuffers(owner uint64) int {
	if a.pool == nil {
		return 0
	}

	n := a.pool.FreeAll(owner)

	a.mu.Lock()
	for addr, b := range a.buffers {
		if b.owner == owner {
			delete(a.buffers, addr)
		}
	}
	a.mu.Unlock()

	return n
}
