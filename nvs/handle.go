package nvs

import (
	"fmt"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/nvserr"
	"github.com/nvscore/nvs/page"
)

// Handle is a Store bound to a single resolved namespace index — the
// unit every typed accessor operates against.
type Handle struct {
	store *Store
	ns    uint8
}

// Namespace returns the numeric index this handle is bound to.
func (h *Handle) Namespace() uint8 { return h.ns }

func (h *Handle) setScalar(key string, t entry.Type, width int, value uint64) error {
	k, err := entry.Key16(key)
	if err != nil {
		return err
	}

	var data [8]byte
	entry.PutScalar(&data, width, value)
	newHdr := entry.Header{
		Namespace:  h.ns,
		Type:       t,
		Span:       1,
		ChunkIndex: entry.ChunkNone,
		Key:        k,
		Data:       data,
	}

	oldPg, oldSlot, hadOld, err := h.store.winner(h.ns, key)
	if err != nil {
		return err
	}

	if err := h.store.writeEntry(newHdr, nil); err != nil {
		return err
	}

	if hadOld {
		if err := oldPg.EraseEntry(oldSlot); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) getScalar(key string, t entry.Type, width int) (uint64, error) {
	pg, slot, ok, err := h.store.winner(h.ns, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("nvs: %q: %w", key, nvserr.ErrNotFound)
	}

	hd, _, err := pg.ReadEntry(slot)
	if err != nil {
		return 0, err
	}
	if hd.Type != t && t != entry.TypeAny {
		return 0, fmt.Errorf("nvs: %q stored as %s, requested %s: %w", key, hd.Type, t, nvserr.ErrTypeMismatch)
	}

	return entry.Scalar(hd.Data, width), nil
}

func (h *Handle) SetU8(key string, v uint8) error  { return h.setScalar(key, entry.TypeU8, 1, uint64(v)) }
func (h *Handle) SetI8(key string, v int8) error   { return h.setScalar(key, entry.TypeI8, 1, uint64(uint8(v))) }
func (h *Handle) SetU16(key string, v uint16) error { return h.setScalar(key, entry.TypeU16, 2, uint64(v)) }
func (h *Handle) SetI16(key string, v int16) error {
	return h.setScalar(key, entry.TypeI16, 2, uint64(uint16(v)))
}
func (h *Handle) SetU32(key string, v uint32) error { return h.setScalar(key, entry.TypeU32, 4, uint64(v)) }
func (h *Handle) SetI32(key string, v int32) error {
	return h.setScalar(key, entry.TypeI32, 4, uint64(uint32(v)))
}
func (h *Handle) SetU64(key string, v uint64) error { return h.setScalar(key, entry.TypeU64, 8, v) }
func (h *Handle) SetI64(key string, v int64) error  { return h.setScalar(key, entry.TypeI64, 8, uint64(v)) }

func (h *Handle) GetU8(key string) (uint8, error) {
	v, err := h.getScalar(key, entry.TypeU8, 1)
	return uint8(v), err
}
func (h *Handle) GetI8(key string) (int8, error) {
	v, err := h.getScalar(key, entry.TypeI8, 1)
	return int8(uint8(v)), err
}
func (h *Handle) GetU16(key string) (uint16, error) {
	v, err := h.getScalar(key, entry.TypeU16, 2)
	return uint16(v), err
}
func (h *Handle) GetI16(key string) (int16, error) {
	v, err := h.getScalar(key, entry.TypeI16, 2)
	return int16(uint16(v)), err
}
func (h *Handle) GetU32(key string) (uint32, error) {
	v, err := h.getScalar(key, entry.TypeU32, 4)
	return uint32(v), err
}
func (h *Handle) GetI32(key string) (int32, error) {
	v, err := h.getScalar(key, entry.TypeI32, 4)
	return int32(uint32(v)), err
}
func (h *Handle) GetU64(key string) (uint64, error) {
	return h.getScalar(key, entry.TypeU64, 8)
}
func (h *Handle) GetI64(key string) (int64, error) {
	v, err := h.getScalar(key, entry.TypeI64, 8)
	return int64(v), err
}

// MaxChunkPayload is the largest payload a single head-plus-continuation
// entry (a STRING, or one BLOB_DATA chunk) can carry: the page's entry
// region minus the head slot itself.
const MaxChunkPayload = (page.NumSlots - 1) * entry.Size

// SetString stores a UTF-8 string value, spanning as many continuation
// slots as needed.
func (h *Handle) SetString(key string, value string) error {
	if len(value) > MaxChunkPayload {
		return fmt.Errorf("nvs: string value of %d bytes exceeds %d-byte limit: %w", len(value), MaxChunkPayload, nvserr.ErrInvalidArgument)
	}

	k, err := entry.Key16(key)
	if err != nil {
		return err
	}

	payload := []byte(value)
	var data [8]byte
	entry.PutChunkData(&data, uint32(len(payload)), crcOf(payload))

	newHdr := entry.Header{
		Namespace:  h.ns,
		Type:       entry.TypeString,
		Span:       entry.SpanFor(entry.TypeString, len(payload)),
		ChunkIndex: entry.ChunkNone,
		Key:        k,
		Data:       data,
	}

	oldPg, oldSlot, hadOld, err := h.store.winner(h.ns, key)
	if err != nil {
		return err
	}

	if err := h.store.writeEntry(newHdr, payload); err != nil {
		return err
	}

	if hadOld {
		if err := oldPg.EraseEntry(oldSlot); err != nil {
			return err
		}
	}
	return nil
}

// GetString reads back a string value.
func (h *Handle) GetString(key string) (string, error) {
	pg, slot, ok, err := h.store.winner(h.ns, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("nvs: %q: %w", key, nvserr.ErrNotFound)
	}

	hd, payload, err := pg.ReadEntry(slot)
	if err != nil {
		return "", err
	}
	if hd.Type != entry.TypeString {
		return "", fmt.Errorf("nvs: %q stored as %s, requested string: %w", key, hd.Type, nvserr.ErrTypeMismatch)
	}

	size, want := entry.ChunkData(hd.Data)
	if int(size) > len(payload) {
		return "", fmt.Errorf("nvs: %q: declared size %d exceeds stored payload %d: %w", key, size, len(payload), nvserr.ErrCorruptEntry)
	}
	value := payload[:size]
	if got := crcOf(value); got != want {
		return "", fmt.Errorf("nvs: %q: payload crc mismatch got %#x want %#x: %w", key, got, want, nvserr.ErrCorruptEntry)
	}

	return string(value), nil
}

// Erase removes key's current value, if any.
func (h *Handle) Erase(key string) error {
	found, err := h.store.eraseLive(h.ns, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("nvs: %q: %w", key, nvserr.ErrNotFound)
	}
	return nil
}

// EraseAll removes every entry in this namespace.
func (h *Handle) EraseAll() error {
	return h.store.EraseNamespace(h.ns)
}
