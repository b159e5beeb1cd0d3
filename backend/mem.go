// Package backend provides the leaf stores a topology can bottom out on:
// an in-memory region (Memory) and a plain file (File), which become the
// query.Handler every other layer of the engine speaks through
// query.Adapt, plus an async io_uring file ring (FileRing) that is a
// query.Handler itself.
package backend

import (
	"fmt"

	"github.com/behrlich/ublkd/internal/interfaces"
)

// Memory provides a RAM-based backend for ublk devices. A leaf's queries
// arrive on a single goroutine (the owning device's dispatch loop), so
// unlike the teacher's multi-queue Memory this one carries no internal
// locking -- ReadAt/WriteAt/Discard run unsynchronized against m.data.
type Memory struct {
	data []byte
	size int64
}

// NewMemory creates a new memory backend of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Backend interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Backend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	// Calculate how much we can actually write
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *Memory) Flush() error {
	// Memory backend doesn't need flushing
	return nil
}

// Discard implements the DiscardBackend interface
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}

	for i := offset; i < end; i++ {
		m.data[i] = 0
	}

	return nil
}

// Compile-time interface checks
var (
	_ interfaces.Backend        = (*Memory)(nil)
	_ interfaces.DiscardBackend = (*Memory)(nil)
)
