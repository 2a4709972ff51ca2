// Package page implements component D: a single page's header, entry
// state table (EST), and the slot-allocation/write/erase state machine
// described in spec §3.2 and §4.2.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/nvscore/nvs/crc"
	"github.com/nvscore/nvs/nvserr"
)

// Size is the fixed size of a page: a 32-byte header, a 32-byte EST,
// and 126 32-byte entry slots (4032 bytes).
const Size = 4096

// HeaderSize is the size in bytes of the page header region.
const HeaderSize = 32

// ESTSize is the size in bytes of the entry-state bitmap.
const ESTSize = 32

// NumSlots is the number of 32-byte entry slots per page.
const NumSlots = (Size - HeaderSize - ESTSize) / 32 // 126

// State is a page's lifecycle state, encoded redundantly as one of five
// bit-patterns so that erased flash (all-ones) reads as Uninitialized
// and every further transition only clears bits — never sets them.
// Values match the reference embedded SDK's page-state encoding.
type State uint32

const (
	StateUninitialized State = 0xFFFFFFFF
	StateActive        State = 0xFFFFFFFE
	StateFull          State = 0xFFFFFFFC
	StateFreeing       State = 0xFFFFFFF8
	StateCorrupted     State = 0xFFFFFFF0
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateFull:
		return "full"
	case StateFreeing:
		return "freeing"
	case StateCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("state(%#08x)", uint32(s))
	}
}

// Valid reports whether s is one of the five recognized bit-patterns.
func (s State) Valid() bool {
	switch s {
	case StateUninitialized, StateActive, StateFull, StateFreeing, StateCorrupted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next only clears
// bits (a requirement of one-way NOR flash), matching the one-way
// lifecycle UNINITIALIZED -> ACTIVE -> FULL -> FREEING -> (erase) ->
// UNINITIALIZED, plus the CORRUPTED escape hatch from any state.
func (s State) CanTransitionTo(next State) bool {
	if next == StateCorrupted {
		return s != StateCorrupted
	}

	order := map[State]int{
		StateUninitialized: 0,
		StateActive:        1,
		StateFull:          2,
		StateFreeing:       3,
	}

	from, ok1 := order[s]
	to, ok2 := order[next]
	return ok1 && ok2 && to == from+1
}

// Header is the decoded, typed view of a page's 32-byte header.
type Header struct {
	State   State
	Seq     uint32
	Version uint8
	CRC     uint32
}

// headerCRCSpan is the portion of the header covered by its CRC: every
// field except the state word and the CRC field itself (spec §3.2).
func headerCRCSpan(buf [HeaderSize]byte) []byte {
	return buf[4 : HeaderSize-4]
}

// EncodeHeader packs h into its 32-byte on-flash form, computing the
// CRC over seq+version+reserved.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.State))
	binary.LittleEndian.PutUint32(buf[4:8], h.Seq)
	buf[8] = h.Version
	// buf[9:28] reserved, left zero

	h.CRC = crc.Of(headerCRCSpan(buf))
	binary.LittleEndian.PutUint32(buf[HeaderSize-4:HeaderSize], h.CRC)

	return buf
}

// DecodeHeader unpacks a page header and validates its CRC and state
// word. A CRC mismatch or an unrecognized state pattern is reported via
// ErrCorruptHeader; Page.Scan then labels such a page CORRUPTED and the
// partition manager erases it while opening the partition.
func DecodeHeader(buf [HeaderSize]byte) (Header, error) {
	var h Header
	h.State = State(binary.LittleEndian.Uint32(buf[0:4]))
	h.Seq = binary.LittleEndian.Uint32(buf[4:8])
	h.Version = buf[8]
	h.CRC = binary.LittleEndian.Uint32(buf[HeaderSize-4 : HeaderSize])

	if !h.State.Valid() {
		return h, fmt.Errorf("page: unrecognized state word %#08x: %w", uint32(h.State), nvserr.ErrCorruptHeader)
	}

	if h.State == StateUninitialized {
		// An erased page never had a CRC written; nothing else to
		// validate.
		return h, nil
	}

	if got := crc.Of(headerCRCSpan(buf)); got != h.CRC {
		return h, fmt.Errorf("page: header crc mismatch: got %#x want %#x: %w", got, h.CRC, nvserr.ErrCorruptHeader)
	}

	return h, nil
}
