package backend

import (
	"os"

	"github.com/behrlich/ublkd/internal/interfaces"
	"github.com/behrlich/ublkd/internal/queue"
)

// File is a plain file-backed leaf store: ReadAt/WriteAt go straight to
// the kernel page cache, Flush is an fsync. Unlike Memory it keeps no
// locks of its own -- the underlying *os.File already serializes
// concurrent ReadAt/WriteAt at given offsets safely, and the engine is
// single-threaded per device anyway.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a file-backed leaf. The file must already exist
// and be at least size bytes; OpenFile does not create or truncate it.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &File{f: f, size: size}, nil
}

// ReadAt implements the Backend interface.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if err != nil && n > 0 {
		// A short read (such as one ending at end-of-file) is reported as
		// success with the bytes read; off/len are not checked against
		// the device size here or by query.Adapt.
		return n, nil
	}
	return n, err
}

// WriteAt implements the Backend interface.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

// Size implements the Backend interface.
func (f *File) Size() int64 { return f.size }

// Close implements the Backend interface.
func (f *File) Close() error { return f.f.Close() }

// Flush implements the Backend interface.
func (f *File) Flush() error { return f.f.Sync() }

// Discard implements the DiscardBackend interface by zero-filling the
// range; a real deallocating punch-hole would need fallocate(FALLOC_FL_
// PUNCH_HOLE), which is a portability tradeoff left for a later pass.
func (f *File) Discard(offset, length int64) error {
	zeros := queue.GetBuffer(64 * 1024)
	defer queue.PutBuffer(zeros)
	clear(zeros)

	for length > 0 {
		n := int64(len(zeros))
		if n > length {
			n = length
		}
		if _, err := f.f.WriteAt(zeros[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

var (
	_ interfaces.Backend        = (*File)(nil)
	_ interfaces.DiscardBackend = (*File)(nil)
)
