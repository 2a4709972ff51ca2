// Package builder implements component G: an offline image builder and
// parser that produce and consume the exact same byte format the live
// engine reads and writes, without ever running garbage collection —
// useful for factory provisioning and for inspecting a dumped image
// offline.
package builder

import (
	"fmt"
	"sort"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/flash"
	"github.com/nvscore/nvs/nvs"
)

// Record is one key-value pair to bake into (or read out of) an image.
// Type must be one of the scalar tags, TypeString, or TypeBlob — never
// TypeBlobData/TypeBlobIdx (those are on-flash plumbing for Blob) or
// TypeAny (a query-only wildcard).
type Record struct {
	Namespace string
	Key       string
	Type      entry.Type

	Uint uint64 // populated for unsigned scalar types
	Int  int64  // populated for signed scalar types
	Str  string // populated for TypeString
	Blob []byte // populated for TypeBlob
}

// Build lays out records into a fresh image of the given size (a
// multiple of flash.SectorSize), in the order given, using the live
// engine's own write path — so the result is byte-for-byte what
// writing the same records through Store would have produced.
func Build(records []Record, size int64) ([]byte, error) {
	dev, err := flash.NewMemDevice(size)
	if err != nil {
		return nil, err
	}

	store, err := nvs.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	for _, r := range records {
		h, err := store.OpenNamespace(r.Namespace)
		if err != nil {
			return nil, fmt.Errorf("builder: namespace %q: %w", r.Namespace, err)
		}

		if err := writeRecord(h, r); err != nil {
			return nil, fmt.Errorf("builder: %s/%s: %w", r.Namespace, r.Key, err)
		}
	}

	return dev.Bytes(), nil
}

func writeRecord(h *nvs.Handle, r Record) error {
	switch r.Type {
	case entry.TypeU8:
		return h.SetU8(r.Key, uint8(r.Uint))
	case entry.TypeU16:
		return h.SetU16(r.Key, uint16(r.Uint))
	case entry.TypeU32:
		return h.SetU32(r.Key, uint32(r.Uint))
	case entry.TypeU64:
		return h.SetU64(r.Key, r.Uint)
	case entry.TypeI8:
		return h.SetI8(r.Key, int8(r.Int))
	case entry.TypeI16:
		return h.SetI16(r.Key, int16(r.Int))
	case entry.TypeI32:
		return h.SetI32(r.Key, int32(r.Int))
	case entry.TypeI64:
		return h.SetI64(r.Key, r.Int)
	case entry.TypeString:
		return h.SetString(r.Key, r.Str)
	case entry.TypeBlob:
		return h.SetBlob(r.Key, r.Blob)
	default:
		return fmt.Errorf("unsupported record type %s", r.Type)
	}
}

type pairKey struct {
	ns  uint8
	key string
}

// Parse opens data as an image and reads back every live record,
// resolving namespace indices back to their registered names and
// normalizing the on-flash BLOB_IDX tag back to the logical TypeBlob.
func Parse(data []byte) ([]Record, error) {
	dev, err := flash.NewMemDeviceFromBytes(data)
	if err != nil {
		return nil, err
	}

	store, err := nvs.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	names := store.Namespaces()

	types := make(map[pairKey]entry.Type)
	for _, pg := range store.Partition().Pages() {
		for _, slot := range pg.WrittenSlots() {
			hdr, _, err := pg.ReadEntry(slot)
			if err != nil || hdr.Namespace == entry.NamespaceRegistry || hdr.Type == entry.TypeBlobData {
				continue
			}
			t := hdr.Type
			if t == entry.TypeBlobIdx {
				t = entry.TypeBlob
			}
			types[pairKey{ns: hdr.Namespace, key: entry.KeyString(hdr.Key)}] = t
		}
	}

	out := make([]Record, 0, len(types))
	for pk, t := range types {
		nsName, ok := names[pk.ns]
		if !ok {
			nsName = fmt.Sprintf("ns%d", pk.ns)
		}

		h := store.HandleFor(pk.ns)
		rec := Record{Namespace: nsName, Key: pk.key, Type: t}

		switch t {
		case entry.TypeU8:
			v, err := h.GetU8(pk.key)
			rec.Uint = uint64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeU16:
			v, err := h.GetU16(pk.key)
			rec.Uint = uint64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeU32:
			v, err := h.GetU32(pk.key)
			rec.Uint = uint64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeU64:
			v, err := h.GetU64(pk.key)
			rec.Uint = v
			if err != nil {
				return nil, err
			}
		case entry.TypeI8:
			v, err := h.GetI8(pk.key)
			rec.Int = int64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeI16:
			v, err := h.GetI16(pk.key)
			rec.Int = int64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeI32:
			v, err := h.GetI32(pk.key)
			rec.Int = int64(v)
			if err != nil {
				return nil, err
			}
		case entry.TypeI64:
			v, err := h.GetI64(pk.key)
			rec.Int = v
			if err != nil {
				return nil, err
			}
		case entry.TypeString:
			v, err := h.GetString(pk.key)
			rec.Str = v
			if err != nil {
				return nil, err
			}
		case entry.TypeBlob:
			v, err := h.GetBlob(pk.key)
			rec.Blob = v
			if err != nil {
				return nil, err
			}
		}

		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Key < out[j].Key
	})

	return out, nil
}
