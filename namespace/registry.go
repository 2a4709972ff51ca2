// Package namespace implements the namespace registry: namespace index 0
// is reserved for an append-only mapping from namespace name to the
// single byte that every other entry's Namespace field actually
// stores. The registry itself holds no flash format of its own — each
// registration is just an ordinary entry (namespace 0, key = name,
// value = the assigned index, see package nvs) — this package only
// keeps the fast in-RAM lookup built from those entries during
// recovery, generalizing the teacher's in-memory ordered map
// (memtable.SkipList) from its original (K,V) to (string,uint8).
package namespace

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/nvscore/nvs/memtable"
	"github.com/nvscore/nvs/nvserr"
)

// Reserved is the namespace index the registry's own entries live
// under.
const Reserved = 0

// MinIndex and MaxIndex bound the assignable namespace indices; 0 is
// reserved, so up to 255 distinct namespaces can exist.
const (
	MinIndex = 1
	MaxIndex = 255
)

// Registry is the RAM-only index of name -> assigned namespace byte.
// It is rebuilt from scratch by replaying namespace-0 entries during
// partition recovery; it is never itself the source of truth.
type Registry struct {
	byName *memtable.SkipList[string, uint8]
	used   *bitset.BitSet
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName: memtable.NewSkipListMemtable[string, uint8](),
		used:   bitset.New(MaxIndex + 1),
	}
}

// Lookup returns the namespace index assigned to name, if any.
func (r *Registry) Lookup(name string) (uint8, bool) {
	return r.byName.Get(name)
}

// NextFreeIndex returns the lowest unused namespace index in
// [MinIndex, MaxIndex].
func (r *Registry) NextFreeIndex() (uint8, error) {
	for i := uint(MinIndex); i <= MaxIndex; i++ {
		if !r.used.Test(i) {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("namespace: all %d indices assigned: %w", MaxIndex, nvserr.ErrNamespaceExhausted)
}

// Record adds a (name, index) pair discovered on flash (either just
// assigned, or replayed during recovery). It is an error to record the
// same name twice with different indices, or to reuse an index already
// assigned to a different name — both indicate a corrupted or
// tampered registry.
func (r *Registry) Record(name string, idx uint8) error {
	if idx < MinIndex {
		return fmt.Errorf("namespace: index %d is reserved: %w", idx, nvserr.ErrInvalidArgument)
	}

	if existing, ok := r.byName.Get(name); ok {
		if existing != idx {
			return fmt.Errorf("namespace: %q already registered as %d, cannot also be %d: %w", name, existing, idx, nvserr.ErrInvalidArgument)
		}
		return nil
	}

	if r.used.Test(uint(idx)) {
		return fmt.Errorf("namespace: index %d already assigned: %w", idx, nvserr.ErrInvalidArgument)
	}

	r.byName.Put(name, idx)
	r.used.Set(uint(idx))
	return nil
}

// Names returns every registered namespace name, in lexical order (the
// skip list's natural iteration order).
func (r *Registry) Names() []string {
	var out []string
	for rec := range r.byName.Iterator() {
		out = append(out, rec.Key)
	}
	return out
}

// Count returns how many namespaces are currently registered.
func (r *Registry) Count() int {
	return r.byName.Len()
}
