// Linux UIO-backed external collaborator for hosted test/demo runs
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostuio supplies a real, non-simulated IRQController and BAR
// window for running this driver's stack against an actual PLX/Oxford
// bridge attached to a Linux host through the userspace-io (UIO) framework,
// rather than against irqsim's deterministic fake. It exists for the same
// reason the original spec calls the interrupt controller an "external
// collaborator supplied by the embedding platform": on bare-metal tamago
// that collaborator is the board support package's LAPIC/IDT plumbing, and
// on a Linux development host it is /dev/uioN plus its sysfs map
// attributes instead.
//
// A UIO device node delivers one interrupt as one 4-byte "IRQ count" read
// from the device file; unmasking is a 4-byte write of 1 back to it. The
// BAR itself is exposed as mmap()able regions under
// /sys/class/uio/uioN/maps/mapM.
package hostuio

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Device is one attached UIO node (e.g. /dev/uio0).
type Device struct {
	path string
	file *os.File
	maps []mapping
}

type mapping struct {
	addr uint64
	size uint64
	mem  []byte
}

// Open opens the UIO device node at /dev/uio<index> and reads its map
// attributes from sysfs, without mapping any of them yet.
func Open(index int) (*Device, error) {
	path := fmt.Sprintf("/dev/uio%d", index)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostuio: open %s: %w", path, err)
	}

	maps, err := readMaps(index)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Device{path: path, file: f, maps: maps}, nil
}

func readMaps(index int) ([]mapping, error) {
	var maps []mapping

	for n := 0; ; n++ {
		base := fmt.Sprintf("/sys/class/uio/uio%d/maps/map%d", index, n)

		addr, err := readSysfsHex(base + "/addr")
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, err
		}

		size, err := readSysfsHex(base + "/size")
		if err != nil {
			return nil, err
		}

		maps = append(maps, mapping{addr: addr, size: size})
	}

	if len(maps) == 0 {
		return nil, fmt.Errorf("hostuio: uio%d exposes no maps", index)
	}

	return maps, nil
}

func readSysfsHex(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "0x")

	val, err := strconv.ParseUint(text, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hostuio: parsing %s: %w", path, err)
	}

	return val, nil
}

// MapBAR maps the n'th UIO map region (BAR index n, by convention) and
// returns the byte-addressable window, mirroring device.Device.MapBAR's
// signature for a real device instead of an in-process fake.
func (d *Device) MapBAR(n int) ([]byte, error) {
	if n < 0 || n >= len(d.maps) {
		return nil, fmt.Errorf("hostuio: no map region %d (device exposes %d)", n, len(d.maps))
	}

	m := &d.maps[n]
	if m.mem != nil {
		return m.mem, nil
	}

	pageOffset := int64(n) * int64(os.Getpagesize())
	mem, err := unix.Mmap(int(d.file.Fd()), pageOffset, int(m.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostuio: mmap region %d: %w", n, err)
	}

	m.mem = mem
	return mem, nil
}

// ServiceInterrupts implements intr.IRQController: it blocks reading the
// UIO device's 4-byte interrupt count, delivering one isr(vector) call per
// read, with vector always 0 (UIO multiplexes every platform interrupt
// line onto a single node). It returns only when the device file is
// closed.
func (d *Device) ServiceInterrupts(isr func(vector int)) {
	var buf [4]byte

	for {
		n, err := d.file.Read(buf[:])
		if err != nil || n != 4 {
			return
		}
		isr(0)
	}
}

// EnableInterrupts unmasks the UIO interrupt by writing the enable word the
// kernel driver expects.
func (d *Device) EnableInterrupts() {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	d.file.Write(buf[:])
}

// DisableInterrupts masks the UIO interrupt.
func (d *Device) DisableInterrupts() {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0)
	d.file.Write(buf[:])
}

// Close unmaps every mapped region and closes the device file. Any blocked
// ServiceInterrupts call returns once the file is closed.
func (d *Device) Close() error {
	for _, m := range d.maps {
		if m.mem != nil {
			unix.Munmap(m.mem)
		}
	}
	return d.file.Close()
}
