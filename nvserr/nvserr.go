// Package nvserr defines the sentinel error kinds shared across the NVS
// engine. Call sites wrap these with fmt.Errorf("...: %w", ...) for
// context; callers compare with errors.Is.
package nvserr

import "errors"

var (
	// ErrFlashIO is returned when the underlying flash transport fails.
	ErrFlashIO = errors.New("nvs: flash i/o error")

	// ErrCorruptHeader is returned when a page header's CRC32 does not
	// match, or its state word is not one of the five recognized
	// bit-patterns.
	ErrCorruptHeader = errors.New("nvs: corrupt page header")

	// ErrCorruptEntry is returned when an entry's header CRC32 does not
	// match the stored value.
	ErrCorruptEntry = errors.New("nvs: corrupt entry")

	// ErrCorruptBlob is returned when a blob fails reassembly: a missing
	// chunk, a chunk CRC mismatch, or a total CRC mismatch.
	ErrCorruptBlob = errors.New("nvs: corrupt blob")

	// ErrNotFound is returned when a (namespace, key) pair has no
	// WRITTEN entry.
	ErrNotFound = errors.New("nvs: key not found")

	// ErrTypeMismatch is returned when the stored type tag does not
	// match the type requested by the caller.
	ErrTypeMismatch = errors.New("nvs: type mismatch")

	// ErrKeyTooLong is returned for keys longer than 15 bytes (the 16th
	// byte of the key field is reserved for a null terminator).
	ErrKeyTooLong = errors.New("nvs: key too long")

	// ErrOutOfSpace is returned when no page can accept an entry even
	// after garbage collection.
	ErrOutOfSpace = errors.New("nvs: out of space")

	// ErrInvalidArgument is returned for misaligned, oversize, or
	// malformed input.
	ErrInvalidArgument = errors.New("nvs: invalid argument")

	// ErrNamespaceExhausted is returned once all 255 namespace indices
	// are consumed.
	ErrNamespaceExhausted = errors.New("nvs: namespace indices exhausted")
)
