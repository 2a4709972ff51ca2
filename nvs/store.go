// Package nvs implements component F: the typed key-value API, the
// write-new-before-erase-old commit protocol, duplicate resolution
// across page rotation, and blob chunking/reassembly, on top of the
// page and partition layers below it.
package nvs

import (
	"fmt"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/flash"
	"github.com/nvscore/nvs/namespace"
	"github.com/nvscore/nvs/nvserr"
	"github.com/nvscore/nvs/page"
	"github.com/nvscore/nvs/partition"
)

// Store is one open partition's live key-value engine.
type Store struct {
	part *partition.Partition
	ns   *namespace.Registry
}

// Open recovers a Store from dev: the partition layer classifies every
// page, then the namespace registry is rebuilt by replaying every
// namespace-0 entry found across the whole partition.
func Open(dev flash.Device) (*Store, error) {
	part, err := partition.Open(dev)
	if err != nil {
		return nil, err
	}

	reg := namespace.New()
	for _, pg := range part.Pages() {
		for _, slot := range pg.WrittenSlots() {
			h, _, err := pg.ReadEntry(slot)
			if err != nil || h.Namespace != entry.NamespaceRegistry || h.Type != entry.TypeU8 {
				continue
			}
			idx := uint8(entry.Scalar(h.Data, 1))
			name := entry.KeyString(h.Key)
			if err := reg.Record(name, idx); err != nil {
				return nil, fmt.Errorf("nvs: replay namespace registry: %w", err)
			}
		}
	}

	return &Store{part: part, ns: reg}, nil
}

// GetNamespace resolves name to its assigned namespace index, assigning
// and durably recording a new one if this is the first use of that
// name. This is idempotent; only the underlying registry's Record
// enforces insert-once semantics.
func (s *Store) GetNamespace(name string) (uint8, error) {
	if idx, ok := s.ns.Lookup(name); ok {
		return idx, nil
	}

	idx, err := s.ns.NextFreeIndex()
	if err != nil {
		return 0, err
	}

	k, err := entry.Key16(name)
	if err != nil {
		return 0, err
	}
	var data [8]byte
	entry.PutScalar(&data, 1, uint64(idx))
	h := entry.Header{
		Namespace:  entry.NamespaceRegistry,
		Type:       entry.TypeU8,
		Span:       1,
		ChunkIndex: entry.ChunkNone,
		Key:        k,
		Data:       data,
	}

	if err := s.writeEntry(h, nil); err != nil {
		return 0, err
	}

	if err := s.ns.Record(name, idx); err != nil {
		return 0, err
	}
	return idx, nil
}

// OpenNamespace resolves name and returns a Handle bound to it.
func (s *Store) OpenNamespace(name string) (*Handle, error) {
	idx, err := s.GetNamespace(name)
	if err != nil {
		return nil, err
	}
	return &Handle{store: s, ns: idx}, nil
}

// HandleFor returns a Handle for an already-resolved namespace index,
// without a name lookup — useful to tooling (package builder, the CLI)
// that discovers namespace indices by scanning rather than by name.
func (s *Store) HandleFor(ns uint8) *Handle {
	return &Handle{store: s, ns: ns}
}

// Namespaces returns every registered namespace name keyed by its
// assigned index.
func (s *Store) Namespaces() map[uint8]string {
	out := make(map[uint8]string)
	for _, name := range s.ns.Names() {
		if idx, ok := s.ns.Lookup(name); ok {
			out[idx] = name
		}
	}
	return out
}

// Partition exposes the underlying partition for tooling that needs to
// walk pages directly (package builder's image parser).
func (s *Store) Partition() *partition.Partition { return s.part }

// Winner is the exported form of winner, for tooling that already
// knows a (ns,key) pair exists and needs its authoritative location.
func (s *Store) Winner(ns uint8, key string) (*page.Page, int, bool, error) {
	return s.winner(ns, key)
}

type match struct {
	page *page.Page
	slot int
	seq  uint32
}

// findAll returns every page across the partition that currently has a
// live (ns,key) head entry — normally exactly one, but a crash between
// writing a new entry and erasing its predecessor can leave two until
// the next lookup cleans it up.
func (s *Store) findAll(ns uint8, key string) []match {
	var out []match
	for _, pg := range s.part.Pages() {
		if !pg.MayContain(ns, key) {
			continue
		}
		if slot, ok := pg.Find(ns, key); ok {
			out = append(out, match{page: pg, slot: slot, seq: pg.Header().Seq})
		}
	}
	return out
}

// winner resolves duplicate (ns,key) entries left by an interrupted
// overwrite: the entry on the page with the highest sequence number
// wins (ties broken by slot index), since the write-new-before-erase
// protocol always gives the newer value a seq/slot at least as high as
// the one it's replacing. Losers are erased on the spot — a pure
// cleanup, never the read's source of truth.
func (s *Store) winner(ns uint8, key string) (*page.Page, int, bool, error) {
	matches := s.findAll(ns, key)
	if len(matches) == 0 {
		return nil, 0, false, nil
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.seq > best.seq || (m.seq == best.seq && m.slot > best.slot) {
			best = m
		}
	}

	for _, m := range matches {
		if m == best {
			continue
		}
		if err := m.page.EraseEntry(m.slot); err != nil {
			return nil, 0, false, fmt.Errorf("nvs: cleaning up duplicate entry: %w", err)
		}
	}

	return best.page, best.slot, true, nil
}

// writeEntry encodes h (plus any continuation payload) into as many
// contiguous slots as its Span requires and commits them.
func (s *Store) writeEntry(h entry.Header, payload []byte) error {
	head := entry.Encode(h)
	slots := [][entry.Size]byte{head}
	for i := 0; i < len(payload); i += entry.Size {
		var buf [entry.Size]byte
		copy(buf[:], payload[i:])
		slots = append(slots, buf)
	}

	pg, slot, err := s.part.Allocate(len(slots))
	if err != nil {
		return err
	}
	return pg.WriteEntry(slot, slots)
}

// eraseLive erases the current winning entry for (ns,key), if any, and
// reports whether one was found.
func (s *Store) eraseLive(ns uint8, key string) (bool, error) {
	pg, slot, ok, err := s.winner(ns, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, pg.EraseEntry(slot)
}

// EraseNamespace removes every entry (including blob chunks) belonging
// to ns, leaving the name->index registration itself intact — per the
// registry's append-only contract, the name still maps to the same
// index if reused.
func (s *Store) EraseNamespace(ns uint8) error {
	for _, pg := range s.part.Pages() {
		for _, slot := range pg.WrittenSlots() {
			h, _, err := pg.ReadEntry(slot)
			if err != nil || h.Namespace != ns {
				continue
			}
			if err := pg.EraseEntry(slot); err != nil {
				return err
			}
		}
	}
	return nil
}

// ErrNotFound is returned verbatim so callers can errors.Is against it.
var ErrNotFound = nvserr.ErrNotFound
