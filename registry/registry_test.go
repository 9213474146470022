// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package registry

import "testing"

func key(bus, slot, fn uint32) DeviceKey {
	return DeviceKey{
		Bus: bus, Slot: slot, Function: fn,
		Vendor: 0x10b5, Device: 0x9054,
		SubVendor: 0x10b5, SubDevice: 0x9054,
		Revision: 2, Chip: 0x9054, ChipRevision: 0xb,
	}
}

func TestAddRejectsDuplicateBSF(t *testing.T) {
	r := New()

	if err := r.Add(key(0, 1, 0)); err != nil {
		t.Fatalf("first add: %v", err)
	}

	if err := r.Add(key(0, 1, 0)); err == nil {
		t.Fatal("expected duplicate (bus, slot, function) to be rejected")
	}
}

func TestFindWildcards(t *testing.T) {
	r := New()
	_ = r.Add(key(0, 1, 0))
	_ = r.Add(key(0, 2, 0))
	_ = r.Add(key(1, 0, 0))

	q := DeviceKey{Bus: 0, Slot: Ignore, Function: Ignore, Vendor: Ignore, Device: Ignore,
		SubVendor: Ignore, SubDevice: Ignore, Revision: Ignore, Chip: Ignore, ChipRevision: Ignore}

	d, err := r.Find(q, 0)
	if err != nil {
		t.Fatalf("Find(nth=0): %v", err)
	}
	if d.Slot != 1 {
		t.Fatalf("expected first match at slot 1, got slot %d", d.Slot)
	}

	d, err = r.Find(q, 1)
	if err != nil {
		t.Fatalf("Find(nth=1): %v", err)
	}
	if d.Slot != 2 {
		t.Fatalf("expected second match at slot 2, got slot %d", d.Slot)
	}

	_, err = r.Find(q, 2)
	if err == nil {
		t.Fatal("expected nth=2 to miss (only two devices on bus 0)")
	}
	nf, ok := err.(*ErrNotFound)
	if !ok {
		t.Fatalf("expected *ErrNotFound, got %T", err)
	}
	if nf.Count != 2 {
		t.Fatalf("expected match count 2, got %d", nf.Count)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	_ = r.Add(key(0, 1, 0))
	_ = r.Add(key(0, 2, 0))

	r.Remove(0, 1, 0)

	if r.Len() != 1 {
		t.Fatalf("expected 1 device after remove, got %d", r.Len())
	}

	all := r.All()
	if all[0].Slot != 2 {
		t.Fatalf("expected remaining device at slot 2, got slot %d", all[0].Slot)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	r := New()
	_ = r.Add(key(0, 1, 0))

	r.Remove(9, 9, 9)

	if r.Len() != 1 {
		t.Fatalf("expected remove of absent key to be a no-op, got len %d", r.Len())
	}
}

func TestFindExactMatch(t *testing.T) {
	r := New()
	_ = r.Add(key(3, 1, 0))

	q := key(3, 1, 0)
	d, err := r.Find(q, 0)
	if err != nil {
		t.Fatalf("Find exact: %v", err)
	}
	if d != q {
		t.Fatalf("got %+v, want %+v", d, q)
	}
}
