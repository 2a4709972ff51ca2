// Package partition implements component E: the whole-partition page
// array, its open/recovery state machine, write-path page rotation,
// and garbage collection, per spec §4.4-§4.5.
package partition

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/flash"
	"github.com/nvscore/nvs/nvserr"
	"github.com/nvscore/nvs/page"
)

// FormatVersion is the default written into every page header this
// package produces; Open can be pointed at a different one with
// WithFormatVersion, e.g. when building an image for an older reader.
const FormatVersion uint8 = 1

// defaultGCHeadroom is how many uninitialized pages Open keeps in
// reserve before it will let runGC borrow one as a destination; see
// WithGCHeadroom.
const defaultGCHeadroom = 0

// Partition owns every page of one flash partition and the rotation
// and recovery logic that makes them behave as a single append-mostly
// log.
type Partition struct {
	dev   flash.Device
	pages []*page.Page

	active  int // index into pages, or -1
	nextSeq uint32

	formatVersion uint8
	gcHeadroom    int

	// lastSeq approximates per-page wear for the page chosen next when
	// promoting an UNINITIALIZED page: the seq a page held the last
	// time it was active, kept in RAM since an erased header carries no
	// history of its own. This only evens out wear within a single
	// process lifetime (see DESIGN.md); a persistent counter would
	// need its own durable slot and is out of scope here.
	lastSeq map[int]uint32
}

// Option configures a Partition at Open time.
type Option func(*Partition)

// WithFormatVersion overrides the format version stamped into page
// headers this partition initializes. Mainly useful for producing
// images meant for a reader pinned to an older format.
func WithFormatVersion(v uint8) Option {
	return func(p *Partition) {
		p.formatVersion = v
	}
}

// WithGCHeadroom reserves n uninitialized pages that runGC will not
// touch as a destination, forcing GC to run earlier (while more free
// pages remain) instead of right at exhaustion. Zero, the default,
// matches the teacher's single-segment-at-a-time behavior.
func WithGCHeadroom(n int) Option {
	return func(p *Partition) {
		p.gcHeadroom = n
	}
}

// Open scans every page of dev and classifies it, resuming any
// in-flight garbage collection found mid-copy, per spec §4.4.
func Open(dev flash.Device, opts ...Option) (*Partition, error) {
	if dev.Len()%page.Size != 0 {
		return nil, fmt.Errorf("partition: device size %d is not a multiple of page size %d: %w", dev.Len(), page.Size, nvserr.ErrInvalidArgument)
	}

	numPages := int(dev.Len() / page.Size)
	if numPages < 3 {
		return nil, fmt.Errorf("partition: need at least 3 pages (two usable plus one GC reserve), got %d: %w", numPages, nvserr.ErrInvalidArgument)
	}

	p := &Partition{
		dev:           dev,
		pages:         make([]*page.Page, numPages),
		active:        -1,
		lastSeq:       make(map[int]uint32),
		formatVersion: FormatVersion,
		gcHeadroom:    defaultGCHeadroom,
	}
	for _, opt := range opts {
		opt(p)
	}

	var maxSeq uint32
	var activeIdx = -1
	var freeingIdx = -1

	for i := 0; i < numPages; i++ {
		pg := page.New(dev, i)
		if err := pg.Scan(); err != nil {
			if !errors.Is(err, nvserr.ErrCorruptHeader) {
				return nil, fmt.Errorf("partition: scan page %d: %w", i, err)
			}
			// Scan has labeled the page CORRUPTED; erase it back to
			// UNINITIALIZED so it rejoins the free pool.
			if err := pg.EraseAndReset(); err != nil {
				return nil, fmt.Errorf("partition: erase corrupted page %d: %w", i, err)
			}
		}
		p.pages[i] = pg

		hdr := pg.Header()
		if hdr.State != page.StateUninitialized {
			if hdr.Seq > maxSeq {
				maxSeq = hdr.Seq
			}
			p.lastSeq[i] = hdr.Seq
		}

		switch hdr.State {
		case page.StateActive:
			if activeIdx != -1 {
				return nil, fmt.Errorf("partition: more than one active page (%d and %d): %w", activeIdx, i, nvserr.ErrCorruptHeader)
			}
			activeIdx = i
		case page.StateFreeing:
			if freeingIdx != -1 {
				return nil, fmt.Errorf("partition: more than one freeing page (%d and %d): %w", freeingIdx, i, nvserr.ErrCorruptHeader)
			}
			freeingIdx = i
		}
	}

	p.nextSeq = maxSeq + 1

	if freeingIdx != -1 {
		if activeIdx == -1 {
			// The only sensible recovery target is the freeing page's
			// GC destination; without one, promote a fresh page so
			// writes can proceed while the stalled GC is retried.
			dst, err := p.promoteFreePage()
			if err != nil {
				return nil, err
			}
			activeIdx = dst
		}
		if err := p.resumeGC(freeingIdx); err != nil {
			return nil, err
		}
	}

	if activeIdx == -1 {
		idx, err := p.promoteFreePage()
		if err != nil {
			return nil, err
		}
		activeIdx = idx
	}

	p.active = activeIdx
	return p, nil
}

// Pages returns every page, in physical order, for read-path scanning.
func (p *Partition) Pages() []*page.Page { return p.pages }

// ActivePage returns the page currently accepting new allocations.
func (p *Partition) ActivePage() *page.Page { return p.pages[p.active] }

func (p *Partition) promoteFreePage() (int, error) {
	candidates := p.uninitializedPages()
	if len(candidates) == 0 {
		return -1, fmt.Errorf("partition: no uninitialized page to promote: %w", nvserr.ErrOutOfSpace)
	}

	// Wear leveling: prefer the page that was used least recently.
	sort.Slice(candidates, func(a, b int) bool {
		return p.lastSeq[candidates[a]] < p.lastSeq[candidates[b]]
	})

	idx := candidates[0]
	seq := p.nextSeq
	p.nextSeq++
	if err := p.pages[idx].InitActive(seq, p.formatVersion); err != nil {
		return -1, err
	}
	p.lastSeq[idx] = seq
	return idx, nil
}

func (p *Partition) uninitializedPages() []int {
	var out []int
	for i, pg := range p.pages {
		if pg.Header().State == page.StateUninitialized {
			out = append(out, i)
		}
	}
	return out
}

// Allocate reserves span contiguous slots for a new entry, rotating to
// a fresh active page (and triggering GC if necessary) when the
// current one cannot fit it. It returns the page and slot to write
// into.
func (p *Partition) Allocate(span int) (*page.Page, int, error) {
	if slot, ok := p.pages[p.active].Allocate(span); ok {
		return p.pages[p.active], slot, nil
	}

	if err := p.pages[p.active].TransitionState(page.StateFull); err != nil {
		return nil, 0, err
	}

	if len(p.uninitializedPages()) <= p.gcHeadroom+1 {
		if err := p.runGC(); err != nil {
			return nil, 0, err
		}
	} else {
		idx, err := p.promoteFreePage()
		if err != nil {
			return nil, 0, err
		}
		p.active = idx
	}

	slot, ok := p.pages[p.active].Allocate(span)
	if !ok {
		return nil, 0, fmt.Errorf("partition: newly activated page cannot hold a %d-slot entry: %w", span, nvserr.ErrOutOfSpace)
	}
	return p.pages[p.active], slot, nil
}

// selectGCSource picks the FULL page with the highest erased:written
// ratio — the page where reclaiming space pays off the most.
func (p *Partition) selectGCSource() *page.Page {
	var best *page.Page
	bestRatio := -1.0
	for _, pg := range p.pages {
		if pg.Header().State != page.StateFull {
			continue
		}
		if r := pg.ErasedToWrittenRatio(); r > bestRatio {
			bestRatio = r
			best = pg
		}
	}
	return best
}

func (p *Partition) runGC() error {
	src := p.selectGCSource()
	if src == nil {
		return fmt.Errorf("partition: no reclaimable page and none free: %w", nvserr.ErrOutOfSpace)
	}

	if len(p.uninitializedPages()) == 0 {
		return fmt.Errorf("partition: no destination page for garbage collection: %w", nvserr.ErrOutOfSpace)
	}

	if err := src.TransitionState(page.StateFreeing); err != nil {
		return err
	}

	dstIdx, err := p.promoteFreePage()
	if err != nil {
		return err
	}
	dst := p.pages[dstIdx]

	if err := copyLive(src, dst); err != nil {
		return err
	}

	if err := src.EraseAndReset(); err != nil {
		return err
	}

	p.active = dstIdx
	return nil
}

// resumeGC continues a GC that was interrupted mid-copy: src is a page
// found in FREEING state at Open time. Its destination is whichever
// page is currently ACTIVE (the copy target chosen before the crash).
func (p *Partition) resumeGC(srcIdx int) error {
	src := p.pages[srcIdx]
	dst := p.ActivePage()

	if err := copyLive(src, dst); err != nil {
		return err
	}

	if err := src.EraseAndReset(); err != nil {
		return err
	}

	return nil
}

// copyLive copies every surviving WRITTEN entry of src into dst,
// skipping any entry already present in dst with a matching header
// CRC — the signal that a prior, interrupted copy already placed it
// there, since the header CRC covers namespace, type, key and
// payload-describing data together (see DESIGN.md).
func copyLive(src, dst *page.Page) error {
	for _, slot := range src.WrittenSlots() {
		h, payload, err := src.ReadEntry(slot)
		if err != nil {
			return fmt.Errorf("partition: gc read src slot %d: %w", slot, err)
		}

		if alreadyCopied(dst, h) {
			continue
		}

		buf := make([][entry.Size]byte, 0, h.Span)
		buf = append(buf, entry.Encode(h))
		for i := 0; i < len(payload); i += entry.Size {
			var slotBuf [entry.Size]byte
			copy(slotBuf[:], payload[i:i+entry.Size])
			buf = append(buf, slotBuf)
		}

		dstSlot, ok := dst.Allocate(len(buf))
		if !ok {
			return fmt.Errorf("partition: gc destination ran out of room: %w", nvserr.ErrOutOfSpace)
		}
		if err := dst.WriteEntry(dstSlot, buf); err != nil {
			return fmt.Errorf("partition: gc write dst slot %d: %w", dstSlot, err)
		}
	}
	return nil
}

func alreadyCopied(dst *page.Page, h entry.Header) bool {
	key := entry.KeyString(h.Key)

	if h.Type == entry.TypeBlobData {
		chunks := dst.BlobChunks(h.Namespace, key)
		slot, ok := chunks[h.ChunkIndex]
		if !ok {
			return false
		}
		existing, _, err := dst.ReadEntry(slot)
		return err == nil && existing.CRC == h.CRC
	}

	slot, ok := dst.Find(h.Namespace, key)
	if !ok {
		return false
	}
	existing, _, err := dst.ReadEntry(slot)
	return err == nil && existing.CRC == h.CRC
}
