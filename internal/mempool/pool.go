// Package mempool implements a chunk memory pool: a fixed-size-buffer free
// stack backed by an allocation strategy chosen from the buffer size
// (plain heap for sub-page chunks, anonymous mmap above that, hugepages
// above 2MiB with a fallback to the non-huge mapping). Buffers are never
// returned to the system individually; Put pushes them back onto the free
// stack, and the pool only shrinks when it is closed.
package mempool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hugePageThreshold = 2 * 1024 * 1024
	mapHugeShift      = 26
	mapHuge2MB        = 21 << mapHugeShift
)

// Pool hands out fixed-size byte-slice chunks. It is not safe for
// concurrent use; the engine that owns a pool runs single-threaded per
// device.
type Pool struct {
	chunkSize int
	alignment int
	pageSize  int
	free      [][]byte
	mapped    map[*byte]bool
}

// New creates a pool of chunkSize-byte buffers, each aligned to at least
// alignment bytes. alignment must be a power of two.
func New(alignment, chunkSize int) (*Pool, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("mempool: alignment %d is not a power of 2", alignment)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("mempool: chunk size must be positive, got %d", chunkSize)
	}
	return &Pool{
		chunkSize: chunkSize,
		alignment: alignment,
		pageSize:  unix.Getpagesize(),
		mapped:    make(map[*byte]bool),
	}, nil
}

// ChunkSize returns the fixed buffer size this pool hands out.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Get pops a buffer off the free stack, or allocates a new one if the
// stack is empty.
func (p *Pool) Get() ([]byte, error) {
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf, nil
	}
	return p.generate()
}

// Put returns a buffer obtained from Get back to the free stack. It must
// be exactly the slice returned by Get (same length and backing array);
// the pool never validates this.
func (p *Pool) Put(buf []byte) {
	p.free = append(p.free, buf)
}

// Close unmaps every mmap-backed buffer this pool ever generated. Buffers
// still checked out via Get are the caller's responsibility; calling Close
// while buffers are outstanding is a caller error.
func (p *Pool) Close() error {
	var first error
	for _, buf := range p.free {
		if len(buf) == 0 {
			continue
		}
		if !p.mapped[&buf[0]] {
			continue
		}
		if err := unix.Munmap(buf); err != nil && first == nil {
			first = err
		}
	}
	p.free = nil
	p.mapped = nil
	return first
}

func (p *Pool) generate() ([]byte, error) {
	switch {
	case p.chunkSize < p.pageSize:
		return p.allocAligned()
	case p.chunkSize >= hugePageThreshold:
		return p.allocHuge()
	default:
		return p.allocMmap(0)
	}
}

// allocAligned allocates a heap buffer aligned to at least alignment
// bytes by over-allocating and slicing to the first aligned offset within
// it. chunkSize bytes starting at that offset stay addressable because the
// backing array is alignment-1 bytes longer than chunkSize.
func (p *Pool) allocAligned() ([]byte, error) {
	align := p.alignment
	if align < 16 {
		align = 16
	}
	raw := make([]byte, p.chunkSize+align-1)
	off := alignOffset(raw, align)
	return raw[off : off+p.chunkSize : off+p.chunkSize], nil
}

func alignOffset(buf []byte, align int) int {
	if len(buf) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	mask := uintptr(align - 1)
	return int((uintptr(align) - (addr & mask)) & mask)
}

func (p *Pool) allocHuge() ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_HUGETLB | mapHuge2MB
	buf, err := unix.Mmap(-1, 0, p.chunkSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err == nil {
		p.mapped[&buf[0]] = true
		return buf, nil
	}
	return p.allocMmap(0)
}

func (p *Pool) allocMmap(extraFlags int) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | extraFlags
	buf, err := unix.Mmap(-1, 0, p.chunkSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mempool: mmap %d bytes: %w", p.chunkSize, err)
	}
	p.mapped[&buf[0]] = true
	return buf, nil
}
