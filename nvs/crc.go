package nvs

import "github.com/nvscore/nvs/crc"

// crcOf is the conventional, full CRC32 (init+final-XOR both applied)
// used to check reassembled payloads, matching the convention
// package entry and package page use for their own headers.
func crcOf(b []byte) uint32 {
	return crc.Of(b)
}
