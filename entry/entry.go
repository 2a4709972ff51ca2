// Package entry implements component C: the pack/unpack codec for the
// 32-byte on-flash entry and its CRC. An entry is the atomic storage
// unit described in spec §3.3; this package only deals with a single
// slot-sized (or head-of-span) record in isolation — page-level
// concerns (the EST, span allocation, scanning) live in package page.
package entry

import (
	"encoding/binary"
	"fmt"

	"github.com/nvscore/nvs/crc"
	"github.com/nvscore/nvs/nvserr"
)

// Size is the fixed length in bytes of a single entry slot.
const Size = 32

// MaxKeyLen is the longest key this format can store; the 16th byte of
// the key field is reserved so the key can be treated as a
// null-terminated ASCII string by tooling that expects one.
const MaxKeyLen = 15

// Reserved namespace index: entries with Namespace==0 belong to the
// namespace registry itself, never to user data.
const NamespaceRegistry = 0

// ChunkNone marks the chunk-index field of a primitive or BLOB_IDX
// entry, which does not participate in blob chunking.
const ChunkNone = 0xFF

// Type is the closed, twelve-member type tag plus the ANY wildcard used
// only for lookups. Values match the reference embedded SDK's on-flash
// encoding so images remain wire-compatible.
type Type uint8

const (
	TypeU8       Type = 0x01
	TypeU16      Type = 0x02
	TypeU32      Type = 0x04
	TypeU64      Type = 0x08
	TypeI8       Type = 0x11
	TypeI16      Type = 0x12
	TypeI32      Type = 0x14
	TypeI64      Type = 0x18
	TypeString   Type = 0x21
	TypeBlob     Type = 0x41
	TypeBlobData Type = 0x42
	TypeBlobIdx  Type = 0x48
	TypeAny      Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeBlobData:
		return "blob_data"
	case TypeBlobIdx:
		return "blob_idx"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// IsVariableLength reports whether a value of this type spans more than
// one slot (its payload lives in continuation slots after the head).
func (t Type) IsVariableLength() bool {
	return t == TypeString || t == TypeBlobData
}

// ScalarWidth returns the number of significant little-endian bytes a
// scalar type occupies within the 8-byte data field, or 0 if t is not a
// scalar type.
func (t Type) ScalarWidth() int {
	switch t {
	case TypeU8, TypeI8:
		return 1
	case TypeU16, TypeI16:
		return 2
	case TypeU32, TypeI32:
		return 4
	case TypeU64, TypeI64:
		return 8
	default:
		return 0
	}
}

// Header is the decoded, typed view of a 32-byte entry slot. The three
// data-field encodings (scalar, variable-length chunk, blob index) are
// expressed as plain accessor methods over the raw 8-byte field rather
// than a union, per the memory-safety guidance of spec §9.
type Header struct {
	Namespace  uint8
	Type       Type
	Span       uint8
	ChunkIndex uint8
	CRC        uint32
	Key        [16]byte
	Data       [8]byte
}

// Key16 null-pads key into a 16-byte field, rejecting keys that don't
// fit.
func Key16(key string) ([16]byte, error) {
	var out [16]byte
	if len(key) > MaxKeyLen {
		return out, fmt.Errorf("entry: key %q longer than %d bytes: %w", key, MaxKeyLen, nvserr.ErrKeyTooLong)
	}
	copy(out[:], key)
	return out, nil
}

// KeyString trims the null padding back off a key field.
func KeyString(key [16]byte) string {
	for i, b := range key {
		if b == 0 {
			return string(key[:i])
		}
	}
	return string(key[:])
}

// headerCRCSpan is the portion of the 32-byte slot covered by CRC: every
// field except the CRC itself (namespace, type, span, chunk index, key,
// data — 28 bytes). spec §3.3/§3.5 describe this as covering "the
// remaining 24 bytes", which does not add up against its own field
// list (1+1+1+1+16+8=28); this codec covers the full 28 non-CRC bytes,
// see DESIGN.md.
func headerCRCSpan(buf [Size]byte) []byte {
	span := make([]byte, 0, Size-4)
	span = append(span, buf[0:4]...)  // namespace, type, span, chunk index
	span = append(span, buf[8:Size]...) // key, data
	return span
}

// Encode packs h into a 32-byte slot, computing and filling the CRC
// field.
func Encode(h Header) [Size]byte {
	var buf [Size]byte
	buf[0] = h.Namespace
	buf[1] = uint8(h.Type)
	buf[2] = h.Span
	buf[3] = h.ChunkIndex
	copy(buf[8:24], h.Key[:])
	copy(buf[24:32], h.Data[:])

	h.CRC = crc.Of(headerCRCSpan(buf))
	binary.LittleEndian.PutUint32(buf[4:8], h.CRC)

	return buf
}

// Decode unpacks a 32-byte slot and validates its CRC.
func Decode(buf [Size]byte) (Header, error) {
	var h Header
	h.Namespace = buf[0]
	h.Type = Type(buf[1])
	h.Span = buf[2]
	h.ChunkIndex = buf[3]
	h.CRC = binary.LittleEndian.Uint32(buf[4:8])
	copy(h.Key[:], buf[8:24])
	copy(h.Data[:], buf[24:32])

	if got := crc.Of(headerCRCSpan(buf)); got != h.CRC {
		return h, fmt.Errorf("entry: header crc mismatch: got %#x want %#x: %w", got, h.CRC, nvserr.ErrCorruptEntry)
	}

	return h, nil
}

// PutScalar writes a little-endian value of the given width into the
// data field, zero-padding the remaining high bytes.
func PutScalar(data *[8]byte, width int, value uint64) {
	*data = [8]byte{}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], value)
	copy(data[:width], tmp[:width])
}

// Scalar reads back a little-endian value of the given width.
func Scalar(data [8]byte, width int) uint64 {
	var tmp [8]byte
	copy(tmp[:width], data[:width])
	return binary.LittleEndian.Uint64(tmp[:])
}

// PutChunkData encodes a STRING/BLOB_DATA head slot's data field: the
// payload size and the CRC32 of that payload.
func PutChunkData(data *[8]byte, size uint32, payloadCRC uint32) {
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], payloadCRC)
}

// ChunkData decodes a STRING/BLOB_DATA head slot's data field.
func ChunkData(data [8]byte) (size uint32, payloadCRC uint32) {
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8])
}

// PutBlobIdxData encodes a BLOB_IDX entry's data field: total size
// (packed 24-bit — a blob is bounded by at most 126 chunks of at most
// 4000 bytes each, far under 2^24), chunk count, and the total CRC32
// over the concatenated payload. This is how the spec's own
// description ("8-byte data field carries total size, total CRC32...,
// and chunk count") is made to fit in 8 actual bytes; see DESIGN.md.
func PutBlobIdxData(data *[8]byte, totalSize uint32, chunkCount uint8, totalCRC uint32) {
	data[0] = byte(totalSize)
	data[1] = byte(totalSize >> 8)
	data[2] = byte(totalSize >> 16)
	data[3] = chunkCount
	binary.LittleEndian.PutUint32(data[4:8], totalCRC)
}

// BlobIdxData decodes a BLOB_IDX entry's data field.
func BlobIdxData(data [8]byte) (totalSize uint32, chunkCount uint8, totalCRC uint32) {
	totalSize = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	chunkCount = data[3]
	totalCRC = binary.LittleEndian.Uint32(data[4:8])
	return
}

// SpanFor returns how many contiguous 32-byte slots an entry with the
// given type and payload length occupies.
func SpanFor(t Type, payloadLen int) uint8 {
	if !t.IsVariableLength() {
		return 1
	}
	slots := 1 + (payloadLen+Size-1)/Size
	return uint8(slots)
}
