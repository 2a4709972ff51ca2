package nvs

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/nvscore/nvs/entry"
	"github.com/nvscore/nvs/nvserr"
	"github.com/nvscore/nvs/page"
)

// MaxChunks bounds how many BLOB_DATA entries one blob can be split
// across: the chunk count is stored as a single byte in the BLOB_IDX
// entry's data field (see entry.PutBlobIdxData).
const MaxChunks = 126

// MaxBlobSize is the largest value SetBlob accepts.
const MaxBlobSize = MaxChunks * MaxChunkPayload

// SetBlob stores an arbitrarily large byte slice as a sequence of
// BLOB_DATA chunks committed by a trailing BLOB_IDX entry. New chunks
// and the new index are written in full before any previous chunks or
// index are erased, so a crash mid-write never leaves a readable blob
// half-overwritten.
//
// If an identical blob (same length and content CRC) is already
// stored, SetBlob is a no-op: comparing by content CRC rather than
// chunk count avoids a known class of false "unchanged" detections
// where two different blobs happen to split into the same number of
// chunks (see DESIGN.md).
func (h *Handle) SetBlob(key string, data []byte) error {
	if len(data) > MaxBlobSize {
		return fmt.Errorf("nvs: blob of %d bytes exceeds %d-byte limit: %w", len(data), MaxBlobSize, nvserr.ErrInvalidArgument)
	}

	totalCRC := crcOf(data)
	chunkCount := (len(data) + MaxChunkPayload - 1) / MaxChunkPayload
	if chunkCount == 0 {
		chunkCount = 1 // always commit at least one (possibly empty) chunk
	}

	existing, err := h.blobIndex(key)
	hasExisting := err == nil
	if err != nil && err != ErrNotFound {
		return err
	}
	if hasExisting {
		size, _, crc := entry.BlobIdxData(existing.hdr.Data)
		if int(size) == len(data) && crc == totalCRC {
			return nil
		}
	}

	// Captured before any new chunk is written, so these locations can
	// never be confused with the new chunks about to land on fresh,
	// higher slots.
	oldChunks := h.collectChunks(key)

	k, err := entry.Key16(key)
	if err != nil {
		return err
	}

	for i := 0; i < chunkCount; i++ {
		start := i * MaxChunkPayload
		end := start + MaxChunkPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		var cdata [8]byte
		entry.PutChunkData(&cdata, uint32(len(chunk)), crcOf(chunk))
		chdr := entry.Header{
			Namespace:  h.ns,
			Type:       entry.TypeBlobData,
			Span:       entry.SpanFor(entry.TypeBlobData, len(chunk)),
			ChunkIndex: uint8(i),
			Key:        k,
			Data:       cdata,
		}
		if err := h.store.writeEntry(chdr, chunk); err != nil {
			return err
		}
	}

	var idata [8]byte
	entry.PutBlobIdxData(&idata, uint32(len(data)), uint8(chunkCount), totalCRC)
	idxHdr := entry.Header{
		Namespace:  h.ns,
		Type:       entry.TypeBlobIdx,
		Span:       1,
		ChunkIndex: entry.ChunkNone,
		Key:        k,
		Data:       idata,
	}

	if err := h.store.writeEntry(idxHdr, nil); err != nil {
		return err
	}

	if hasExisting {
		if err := existing.page.EraseEntry(existing.slot); err != nil {
			return err
		}
	}
	for _, c := range oldChunks {
		if err := c.page.EraseEntry(c.slot); err != nil {
			return err
		}
	}

	return nil
}

type blobIdx struct {
	page *page.Page
	slot int
	hdr  entry.Header
}

func (h *Handle) blobIndex(key string) (blobIdx, error) {
	pg, slot, ok, err := h.store.winner(h.ns, key)
	if err != nil {
		return blobIdx{}, err
	}
	if !ok {
		return blobIdx{}, ErrNotFound
	}
	hd, _, err := pg.ReadEntry(slot)
	if err != nil {
		return blobIdx{}, err
	}
	if hd.Type != entry.TypeBlobIdx {
		return blobIdx{}, fmt.Errorf("nvs: %q stored as %s, requested blob: %w", key, hd.Type, nvserr.ErrTypeMismatch)
	}
	return blobIdx{page: pg, slot: slot, hdr: hd}, nil
}

type chunkLoc struct {
	page *page.Page
	slot int
	seq  uint32
}

// collectChunks finds every BLOB_DATA chunk currently stored for
// (ns,key) across the whole partition, resolving duplicates left by an
// interrupted GC copy or overwrite the same way Store.winner does:
// highest (page seq, slot) wins.
func (h *Handle) collectChunks(key string) map[uint8]chunkLoc {
	best := make(map[uint8]chunkLoc)
	for _, pg := range h.store.part.Pages() {
		if !pg.MayContain(h.ns, key) {
			continue
		}
		for idx, slot := range pg.BlobChunks(h.ns, key) {
			cand := chunkLoc{page: pg, slot: slot, seq: pg.Header().Seq}
			cur, ok := best[idx]
			if !ok || cand.seq > cur.seq || (cand.seq == cur.seq && cand.slot > cur.slot) {
				best[idx] = cand
			}
		}
	}
	return best
}

// GetBlob reassembles a blob previously stored with SetBlob, verifying
// every chunk's own payload CRC and the index's CRC over the whole
// reassembled value.
func (h *Handle) GetBlob(key string) ([]byte, error) {
	idx, err := h.blobIndex(key)
	if err != nil {
		return nil, err
	}

	totalSize, chunkCount, totalCRC := entry.BlobIdxData(idx.hdr.Data)

	chunks := h.collectChunks(key)
	present := bitset.New(uint(chunkCount))
	for i := range chunks {
		present.Set(uint(i))
	}
	for i := uint(0); i < uint(chunkCount); i++ {
		if !present.Test(i) {
			return nil, fmt.Errorf("nvs: %q: missing chunk %d of %d: %w", key, i, chunkCount, nvserr.ErrCorruptBlob)
		}
	}

	out := make([]byte, 0, totalSize)
	for i := uint8(0); i < chunkCount; i++ {
		loc := chunks[i]
		hd, payload, err := loc.page.ReadEntry(loc.slot)
		if err != nil {
			return nil, fmt.Errorf("nvs: %q: reading chunk %d: %w", key, i, err)
		}
		size, wantCRC := entry.ChunkData(hd.Data)
		if int(size) > len(payload) {
			return nil, fmt.Errorf("nvs: %q: chunk %d declared size %d exceeds stored %d: %w", key, i, size, len(payload), nvserr.ErrCorruptBlob)
		}
		chunk := payload[:size]
		if got := crcOf(chunk); got != wantCRC {
			return nil, fmt.Errorf("nvs: %q: chunk %d crc mismatch: %w", key, i, nvserr.ErrCorruptBlob)
		}
		out = append(out, chunk...)
	}

	if uint32(len(out)) != totalSize {
		return nil, fmt.Errorf("nvs: %q: reassembled %d bytes, index declares %d: %w", key, len(out), totalSize, nvserr.ErrCorruptBlob)
	}
	if got := crcOf(out); got != totalCRC {
		return nil, fmt.Errorf("nvs: %q: reassembled blob crc mismatch: %w", key, nvserr.ErrCorruptBlob)
	}

	return out, nil
}
