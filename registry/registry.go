// Attached-device registry with wildcard lookup
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package registry implements the set of attached bridge devices and the
// query-with-wildcards lookup the original driver calls DeviceFind. Adds and
// removes are serialized under a single lock; a lookup walk holds it only
// for the duration of the walk itself, mirroring a spinlock-protected linked
// list rather than a long-held reader lock.
package registry

import (
	"sync"
)

// Ignore is the sentinel value any DeviceKey field may carry in a query to
// mean "match any value". Stored keys never carry it.
const Ignore = 0xffffffff

// DeviceKey identifies one attached PCI function and its chip identity.
type DeviceKey struct {
	Bus      uint32 // u8 range
	Slot     uint32 // u5 range
	Function uint32 // u3 range

	Vendor     uint32 // u16 range
	Device     uint32 // u16 range
	SubVendor  uint32 // u16 range
	SubDevice  uint32 // u16 range
	Revision   uint32 // u8 range

	Chip         uint32 // u16 range
	ChipRevision uint32 // u8 range
}

func fieldMatches(query, stored uint32) bool {
	return query == Ignore || query == stored
}

// Matches reports whether a stored key matches a query key, field by field,
// honouring Ignore wildcards on the query side.
func (query DeviceKey) Matches(stored DeviceKey) bool {
	return fieldMatches(query.Bus, stored.Bus) &&
		fieldMatches(query.Slot, stored.Slot) &&
		fieldMatches(query.Function, stored.Function) &&
		fieldMatches(query.Vendor, stored.Vendor) &&
		fieldMatches(query.Device, stored.Device) &&
		fieldMatches(query.SubVendor, stored.SubVendor) &&
		fieldMatches(query.SubDevice, stored.SubDevice) &&
		fieldMatches(query.Revision, stored.Revision) &&
		fieldMatches(query.Chip, stored.Chip) &&
		fieldMatches(query.ChipRevision, stored.ChipRevision)
}

// BusSlotFunction returns the (bus, slot, function) triplet used to enforce
// the per-process uniqueness invariant.
func (k DeviceKey) BusSlotFunction() [3]uint32 {
	return [3]uint32{k.Bus, k.Slot, k.Function}
}

// ErrNotFound is returned by Find when fewer than nth+1 matches exist; Count
// carries the total number of matches found, mirroring the original API's
// "write the total match count back to the caller" behaviour.
type ErrNotFound struct {
	Count uint16
}

func (e *ErrNotFound) Error() string {
	return "registry: no matching device"
}

// Registry is the set of attached devices, in attach order.
type Registry struct {
	mu      sync.Mutex
	devices []DeviceKey
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add appends a newly attached device's key. It returns *ErrDuplicateBSF if
// the key collides with an existing (bus, slot, function); a key carrying
// Ignore in any field is not rejected.
func (r *Registry) Add(key DeviceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bsf := key.BusSlotFunction()
	for _, existing := range r.devices {
		if existing.BusSlotFunction() == bsf {
			return &ErrDuplicateBSF{Bus: key.Bus, Slot: key.Slot, Function: key.Function}
		}
	}

	r.devices = append(r.devices, key)
	return nil
}

// ErrDuplicateBSF is returned by Add when a (bus, slot, function) triplet is
// already registered, enforcing the data-model invariant that per process no
// two stored keys share it.
type ErrDuplicateBSF struct {
	Bus, Slot, Function uint32
}

func (e *ErrDuplicateBSF) Error() string {
	return "registry: duplicate (bus, slot, function)"
}

// Remove drops the device matching bsf, if present.
func (r *Registry) Remove(bus, slot, function uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := [3]uint32{bus, slot, function}
	for i, d := range r.devices {
		if d.BusSlotFunction() == target {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return
		}
	}
}

// Find walks the device list in attach order and returns the nth (0-based)
// device matching query. If fewer than nth+1 matches exist, it returns
// ErrNotFound carrying the total match count.
func (r *Registry) Find(query DeviceKey, nth uint16) (DeviceKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count uint16

	for _, stored := range r.devices {
		if !query.Matches(stored) {
			continue
		}

		if count == nth {
			return stored, nil
		}

		count++
	}

	return DeviceKey{}, &ErrNotFound{Count: count}
}

// Len returns the number of attached devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// All returns a snapshot copy of the attached device list, in attach order.
func (r *Registry) All() []DeviceKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceKey, len(r.devices))
	copy(out, r.devices)
	return out
}
