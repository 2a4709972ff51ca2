package flash

import (
	"fmt"
	"sync"

	"github.com/nvscore/nvs/nvserr"
)

// MemDevice is an in-RAM Device that enforces the same one-way
// bit-flip semantics as real NOR flash: a WriteAt may only clear bits
// that are currently set (1->0); clearing an already-clear bit is a
// no-op, but setting a clear bit back to 1 without an EraseAt first is
// rejected. It exists for tests and for the offline builder/parser,
// which never need a physical transport.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice allocates a device of size bytes, which must be a
// positive multiple of SectorSize, initialized to all-ones (erased
// flash).
func NewMemDevice(size int64) (*MemDevice, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("flash: size %d must be a positive multiple of %d: %w", size, SectorSize, nvserr.ErrInvalidArgument)
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}

	return &MemDevice{data: data}, nil
}

// NewMemDeviceFromBytes wraps a pre-built image (produced by package
// builder, or read from a host file) as a Device. Unlike NewMemDevice,
// the bytes are taken as-is rather than initialized to erased flash,
// and unlike WriteAt, loading them is not subject to the one-way
// bit-flip check: this is how an existing image is opened, not how one
// is written to.
func NewMemDeviceFromBytes(data []byte) (*MemDevice, error) {
	if len(data) == 0 || int64(len(data))%SectorSize != 0 {
		return nil, fmt.Errorf("flash: image size %d must be a positive multiple of %d: %w", len(data), SectorSize, nvserr.ErrInvalidArgument)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return &MemDevice{data: cp}, nil
}

// Bytes returns a snapshot copy of the device's current contents — the
// whole point of a MemDevice backing the offline builder, which has no
// other destination to write an image to.
func (m *MemDevice) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *MemDevice) Len() int64 {
	return int64(len(m.data))
}

func (m *MemDevice) ReadAt(offset int64, buf []byte) error {
	if err := CheckAligned(offset, len(buf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return fmt.Errorf("flash: read [%d,%d) out of range: %w", offset, offset+int64(len(buf)), nvserr.ErrInvalidArgument)
	}

	copy(buf, m.data[offset:offset+int64(len(buf))])
	return nil
}

func (m *MemDevice) WriteAt(offset int64, buf []byte) error {
	if err := CheckAligned(offset, len(buf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return fmt.Errorf("flash: write [%d,%d) out of range: %w", offset, offset+int64(len(buf)), nvserr.ErrInvalidArgument)
	}

	for i, b := range buf {
		cur := m.data[offset+int64(i)]
		if cur&b != b {
			return fmt.Errorf("flash: write at %d would set a cleared bit without erase: %w", offset+int64(i), nvserr.ErrInvalidArgument)
		}
		m.data[offset+int64(i)] = cur & b
	}

	return nil
}

func (m *MemDevice) EraseAt(offset int64, length int64) error {
	if err := CheckSectorAligned(offset, length); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 || offset+length > int64(len(m.data)) {
		return fmt.Errorf("flash: erase [%d,%d) out of range: %w", offset, offset+length, nvserr.ErrInvalidArgument)
	}

	for i := offset; i < offset+length; i++ {
		m.data[i] = 0xFF
	}

	return nil
}
