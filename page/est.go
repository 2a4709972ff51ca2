package page

import (
	"github.com/bits-and-blooms/bitset"
)

// SlotState is the two-bit per-slot state packed little-endian into the
// EST bitmap. The four patterns are chosen so that, starting from
// erased flash (all slots EMPTY), a slot can only ever move to a lower
// Hamming-weight pattern without an erase: EMPTY(0b11) -> WRITTEN(0b10)
// -> ERASED(0b00). RESERVED(0b01) is the fourth, otherwise-unreachable
// pattern this writer never produces (see DESIGN.md): a slot claimed
// but never durably completed is recovered purely from the append-only
// high-water mark, the same way the teacher's WAL commits a record by
// patching its CRC in as the very last write (wal.go's Encode writes an
// invalid-CRC sentinel first, payload second, real CRC last). A
// RESERVED byte pattern encountered while reading a foreign image
// (written by a different implementation of this format) is still
// honored and, per spec, treated as ERASED.
type SlotState uint8

const (
	SlotErased   SlotState = 0b00
	SlotReserved SlotState = 0b01
	SlotWritten  SlotState = 0b10
	SlotEmpty    SlotState = 0b11
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotWritten:
		return "written"
	case SlotErased:
		return "erased"
	case SlotReserved:
		return "reserved"
	default:
		return "invalid"
	}
}

// EST is the 32-byte entry-state bitmap: two bits per slot, 126 slots
// used, the remaining 4 bits of the last byte unused padding.
type EST [ESTSize]byte

// NewErasedEST returns an EST with every slot EMPTY, matching freshly
// erased flash.
func NewErasedEST() EST {
	var est EST
	for i := range est {
		est[i] = 0xFF
	}
	return est
}

// Get reads the two-bit state of slot i.
func (e EST) Get(i int) SlotState {
	byteIdx := i / 4
	shift := uint((i % 4) * 2)
	return SlotState((e[byteIdx] >> shift) & 0b11)
}

// Set writes the two-bit state of slot i in place. Callers are
// responsible for only ever clearing bits relative to the prior value,
// matching real flash; Set does not itself enforce this (page.Page does,
// at the call sites that matter for crash safety).
func (e *EST) Set(i int, s SlotState) {
	byteIdx := i / 4
	shift := uint((i % 4) * 2)
	mask := byte(0b11) << shift
	e[byteIdx] = (e[byteIdx] &^ mask) | (byte(s) << shift)
}

// freeSet builds a bitset with one bit per slot, set exactly where the
// slot is EMPTY, so allocation and high-water-mark recovery can use
// bitset's run-scanning instead of a linear byte walk.
func (e EST) freeSet() *bitset.BitSet {
	bs := bitset.New(NumSlots)
	for i := 0; i < NumSlots; i++ {
		if e.Get(i) == SlotEmpty {
			bs.Set(uint(i))
		}
	}
	return bs
}

// HighWaterMark returns the lowest slot index whose EST state is EMPTY
// (NumSlots if none is). Continuation slots of a multi-slot entry stay
// EMPTY in the EST, so when such an entry precedes the cursor this
// returns one of its continuation slots rather than the append-only
// allocation cursor; Page tracks that cursor itself by walking spans in
// Scan.
func (e EST) HighWaterMark() int {
	free := e.freeSet()
	next, ok := free.NextSet(0)
	if !ok {
		return NumSlots
	}
	return int(next)
}

// HasContiguousRun reports whether the span slots starting at i are all
// EMPTY — i.e. whether an allocation of that span at that offset is
// legal.
func (e EST) HasContiguousRun(i, span int) bool {
	if i < 0 || i+span > NumSlots {
		return false
	}
	free := e.freeSet()
	for s := i; s < i+span; s++ {
		if !free.Test(uint(s)) {
			return false
		}
	}
	return true
}
