// Package crc is the fixed-polynomial checksum service used at the
// entry and page boundaries of the NVS engine (component B). The
// polynomial is pinned by the on-flash format, not a configuration
// choice: IEEE 802.3, reflected, 0xEDB88320 — the same table the
// teacher's WAL and SST encoders use via hash/crc32.
package crc

import "hash/crc32"

// Seed is the initial accumulator value callers should use when
// checksumming a fresh span of bytes.
const Seed = 0xFFFFFFFF

var table = crc32.IEEETable

// Checksum extends seed over bytes using the IEEE 802.3 polynomial. The
// caller supplies the seed (Seed for a fresh computation, or a prior
// return value to continue across a chunk boundary) and is responsible
// for any final XOR its wire format requires.
func Checksum(seed uint32, bytes []byte) uint32 {
	// crc32.Update inverts the register on entry and on exit; undo both
	// so seed is used as-is and the raw register is returned.
	return ^crc32.Update(^seed, table, bytes)
}

// Of is a convenience for the common case: an IEEE CRC32 over a single
// contiguous span, with the conventional all-ones seed and the final
// XOR both applied (crc32.ChecksumIEEE performs both).
func Of(bytes []byte) uint32 {
	return crc32.ChecksumIEEE(bytes)
}
