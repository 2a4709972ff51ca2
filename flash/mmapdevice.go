package flash

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvscore/nvs/nvserr"
)

// MmapDevice is a Device backed by a memory-mapped host file, giving
// the crash-safety properties of spec §8 something real to exercise:
// truncating or corrupting the backing file and reopening behaves the
// same way a real flash device would after a power loss mid-write.
// Mapping technique follows the mmap'd binary cache in
// calvinalkan-agent-task, adapted from read-only caching to read/write
// flash simulation (PROT_READ|PROT_WRITE, MAP_SHARED so writes land on
// the file).
type MmapDevice struct {
	mu   sync.Mutex
	file *os.File
	data []byte
}

// OpenMmapDevice maps path, which must already exist and be a positive
// multiple of SectorSize in length.
func OpenMmapDevice(path string) (*MmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}

	size := stat.Size()
	if size <= 0 || size%SectorSize != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("flash: %s size %d must be a positive multiple of %d: %w", path, size, SectorSize, nvserr.ErrInvalidArgument)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flash: mmap %s: %w", path, err)
	}

	return &MmapDevice{file: f, data: data}, nil
}

// CreateMmapDevice creates (or truncates) path to size bytes of
// all-ones (erased flash) and maps it.
func CreateMmapDevice(path string, size int64) (*MmapDevice, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("flash: size %d must be a positive multiple of %d: %w", size, SectorSize, nvserr.ErrInvalidArgument)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: create %s: %w", path, err)
	}

	erased := make([]byte, size)
	for i := range erased {
		erased[i] = 0xFF
	}

	if _, err := f.Write(erased); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flash: initialize %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("flash: close %s: %w", path, err)
	}

	return OpenMmapDevice(path)
}

func (m *MmapDevice) Len() int64 {
	return int64(len(m.data))
}

func (m *MmapDevice) ReadAt(offset int64, buf []byte) error {
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

func (m *MmapDevice) WriteAt(offset int64, buf []byte) error {
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

func (m *MmapDevice) EraseAt(offset int64, length int64) error {
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

// Sync flushes the mapped pages and the file to the host filesystem.
func (m *MmapDevice) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("flash: msync: %w", err)
	}
	return m.file.Sync()
}

// Close unmaps the file and closes the descriptor.
func (m *MmapDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("flash: munmap: %w", err)
	}
	return m.file.Close()
}
