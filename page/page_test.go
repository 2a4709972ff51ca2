package page

import (
	"testing"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/flash"
)

func newTestPage(t *testing.T) (*flash.MemDevice, *Page) {
	t.Helper()
	dev, err := flash.NewMemDevice(Size * 2)
	if err != nil {
		t.Fatal(err)
	}
	p := New(dev, 0)
	if err := p.Scan(); err != nil {
		t.Fatal(err)
	}
	if p.Header().State != StateUninitialized {
		t.Fatalf("fresh device should read uninitialized, got %s", p.Header().State)
	}
	if err := p.InitActive(1, 1); err != nil {
		t.Fatal(err)
	}
	return dev, p
}

func scalarEntry(t *testing.T, ns uint8, key string, value uint64, width int) [entry.Size]byte {
	t.Helper()
	k, err := entry.Key16(key)
	if err != nil {
		t.Fatal(err)
	}
	var data [8]byte
	entry.PutScalar(&data, width, value)
	return entry.Encode(entry.Header{
		Namespace:  ns,
		Type:       entry.TypeU32,
		Span:       1,
		ChunkIndex: entry.ChunkNone,
		Key:        k,
		Data:       data,
	})
}

func TestPageWriteFindErase(t *testing.T) {
	_, p := newTestPage(t)

	buf := scalarEntry(t, 3, "count", 42, 4)
	slot, ok := p.Allocate(1)
	if !ok {
		t.Fatal("allocate failed")
	}
	if slot != 0 {
		t.Fatalf("expected first allocation at slot 0, got %d", slot)
	}

	if err := p.WriteEntry(slot, [][entry.Size]byte{buf}); err != nil {
		t.Fatal(err)
	}

	got, ok := p.Find(3, "count")
	if !ok || got != slot {
		t.Fatalf("find: got (%d,%v), want (%d,true)", got, ok, slot)
	}

	if p.HighWater() != 1 {
		t.Fatalf("high water = %d, want 1", p.HighWater())
	}

	if err := p.EraseEntry(slot); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Find(3, "count"); ok {
		t.Fatal("entry should be gone after erase")
	}
}

func TestPageAllocateExhaustion(t *testing.T) {
	_, p := newTestPage(t)

	for i := 0; i < NumSlots; i++ {
		buf := scalarEntry(t, 1, "k", uint64(i), 4)
		slot, ok := p.Allocate(1)
		if !ok {
			t.Fatalf("allocate failed at iteration %d", i)
		}
		if err := p.WriteEntry(slot, [][entry.Size]byte{buf}); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := p.Allocate(1); ok {
		t.Fatal("expected allocation to fail once the page is full")
	}
}

func TestPageScanRebuildsIndex(t *testing.T) {
	dev, p := newTestPage(t)

	buf := scalarEntry(t, 5, "answer", 42, 4)
	slot, _ := p.Allocate(1)
	if err := p.WriteEntry(slot, [][entry.Size]byte{buf}); err != nil {
		t.Fatal(err)
	}

	p2 := New(dev, 0)
	if err := p2.Scan(); err != nil {
		t.Fatal(err)
	}

	got, ok := p2.Find(5, "answer")
	if !ok || got != slot {
		t.Fatalf("rescanned page: find = (%d,%v), want (%d,true)", got, ok, slot)
	}
	if p2.HighWater() != 1 {
		t.Fatalf("rescanned high water = %d, want 1", p2.HighWater())
	}
}

func TestPageRecoversInterruptedWrite(t *testing.T) {
	dev, p := newTestPage(t)

	buf := scalarEntry(t, 1, "partial", 7, 4)
	// Simulate a crash between writing the head slot and flipping its
	// EST bit: write the slot bytes directly, bypassing WriteEntry so
	// the EST stays EMPTY.
	if err := dev.WriteAt(p.slotOffset(0), buf[:]); err != nil {
		t.Fatal(err)
	}

	p2 := New(dev, 0)
	if err := p2.Scan(); err != nil {
		t.Fatal(err)
	}

	if _, ok := p2.Find(1, "partial"); ok {
		t.Fatal("an uncommitted entry must not become visible")
	}
	if p2.HighWater() != 1 {
		t.Fatalf("high water after recovery = %d, want 1 (slot retired)", p2.HighWater())
	}

	// The retired slot must be usable again only after the whole page
	// is erased — not immediately reusable, since it's consumed.
	if _, ok := p2.Allocate(1); !ok {
		t.Fatal("allocation should resume at slot 1")
	}
	next, _ := p2.Allocate(1)
	if next != 1 {
		t.Fatalf("next allocation should be slot 1, got %d", next)
	}
}

func TestPageStateTransitions(t *testing.T) {
	_, p := newTestPage(t)

	if err := p.TransitionState(StateFull); err != nil {
		t.Fatal(err)
	}
	if p.Header().State != StateFull {
		t.Fatalf("state = %s, want full", p.Header().State)
	}

	if err := p.TransitionState(StateActive); err == nil {
		t.Fatal("expected illegal backward transition to fail")
	}

	if err := p.TransitionState(StateFreeing); err != nil {
		t.Fatal(err)
	}
}

func TestPageEraseAndReset(t *testing.T) {
	_, p := newTestPage(t)

	buf := scalarEntry(t, 1, "x", 1, 4)
	slot, _ := p.Allocate(1)
	if err := p.WriteEntry(slot, [][entry.Size]byte{buf}); err != nil {
		t.Fatal(err)
	}

	if err := p.EraseAndReset(); err != nil {
		t.Fatal(err)
	}
	if p.Header().State != StateUninitialized {
		t.Fatalf("state after erase = %s, want uninitialized", p.Header().State)
	}
	if p.HighWater() != 0 {
		t.Fatalf("high water after erase = %d, want 0", p.HighWater())
	}
	if _, ok := p.Find(1, "x"); ok {
		t.Fatal("erased page should have no entries")
	}
}
