// Package uio implements the consumer side of the command ring and the
// producer side of the ack ring described in spec section 4.A/6: a pair
// of UIO character devices signal new work and accept completion
// credits, and four shared-memory regions (cmdb, cmdb_ack, cellc, cells)
// carry the actual records. Ring head/tail arithmetic here is lock-free
// SPSC: the kernel is the other party, so every cross-side field is
// touched with atomic load/store rather than a mutex, exactly as spec
// section 4.A requires.
package uio

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/ublkd/internal/wire"
)

// Regions is the four-way shared-memory layout for one device: cmdb and
// cmdb_ack each hold cmdsLen fixed-size records followed by a trailing
// uint32 tail field; cellc holds the {cmdb_head, cmdb_ack_head,
// cellds_len} header followed by the celld array; cells is the flat byte
// arena celld.Offset indexes into.
type Regions struct {
	Cmdb    []byte
	CmdbAck []byte
	Cellc   []byte
	Cells   []byte
	CmdsLen uint32
}

// cellcHeaderSize is {cmdb_head u32, cmdb_ack_head u32, cellds_len u32}.
const cellcHeaderSize = 12

func ptr32(b []byte, byteOffset uint32) *uint32 {
	return (*uint32)(unsafeAdd(b, byteOffset))
}

// CmdRing is the consumer side of the kernel->user command ring: the
// kernel is the producer (owns cmdb's trailing tail field), we are the
// consumer (own cellc's cmdb_head field).
type CmdRing struct {
	records []byte
	tailPtr *uint32
	headPtr *uint32
	head    uint32
	cmdsLen uint32
}

// NewCmdRing builds a CmdRing over the cmdb and cellc regions of a
// device's shared memory.
func NewCmdRing(cmdb, cellc []byte, cmdsLen uint32) (*CmdRing, error) {
	want := int(cmdsLen)*wire.CmdSize + 4
	if len(cmdb) < want {
		return nil, fmt.Errorf("uio: cmdb region too small: have %d want %d", len(cmdb), want)
	}
	if len(cellc) < cellcHeaderSize {
		return nil, fmt.Errorf("uio: cellc region too small: have %d want %d", len(cellc), cellcHeaderSize)
	}
	return &CmdRing{
		records: cmdb[:int(cmdsLen)*wire.CmdSize],
		tailPtr: ptr32(cmdb, uint32(int(cmdsLen)*wire.CmdSize)),
		headPtr: ptr32(cellc, 0), // cellc.cmdb_head
		cmdsLen: cmdsLen,
	}, nil
}

// Pop pops one command if available. It returns false, not an error, when
// the ring is momentarily empty -- per spec 4.A the caller busy-yields
// rather than blocking.
func (r *CmdRing) Pop(out *wire.Cmd) bool {
	tail := atomic.LoadUint32(r.tailPtr) // acquire: kernel's producer counter
	if r.head == tail {
		return false
	}
	slot := r.records[r.head*wire.CmdSize : r.head*wire.CmdSize+wire.CmdSize]
	out.Unmarshal(slot)
	r.head = (r.head + 1) % r.cmdsLen
	atomic.StoreUint32(r.headPtr, r.head) // release: publish new consumer head
	return true
}

// PopWait spins, yielding the OS thread, until a command is available or
// maxSpins is exhausted. It never blocks the goroutine on a channel or
// syscall: the kernel->user UIO fd read is what actually sleeps.
func (r *CmdRing) PopWait(out *wire.Cmd, maxSpins int) bool {
	for i := 0; i < maxSpins; i++ {
		if r.Pop(out) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// AckRing is the producer side of the user->kernel ack ring: we are the
// producer (own cmdb_ack's trailing tail field), the kernel is the
// consumer (owns cellc's cmdb_ack_head field).
type AckRing struct {
	records []byte
	tailPtr *uint32
	headPtr *uint32
	tail    uint32
	cmdsLen uint32
}

// NewAckRing builds an AckRing over the cmdb_ack and cellc regions.
func NewAckRing(cmdbAck, cellc []byte, cmdsLen uint32) (*AckRing, error) {
	want := int(cmdsLen)*wire.CmdAckSize + 4
	if len(cmdbAck) < want {
		return nil, fmt.Errorf("uio: cmdb_ack region too small: have %d want %d", len(cmdbAck), want)
	}
	if len(cellc) < cellcHeaderSize {
		return nil, fmt.Errorf("uio: cellc region too small: have %d want %d", len(cellc), cellcHeaderSize)
	}
	return &AckRing{
		records: cmdbAck[:int(cmdsLen)*wire.CmdAckSize],
		tailPtr: ptr32(cmdbAck, uint32(int(cmdsLen)*wire.CmdAckSize)),
		headPtr: ptr32(cellc, 4), // cellc.cmdb_ack_head
		cmdsLen: cmdsLen,
	}, nil
}

// Push pushes one ack record. It returns false if the ring is full (the
// kernel hasn't drained fast enough); the caller spins the same way it
// does for CmdRing.Pop.
func (r *AckRing) Push(a wire.CmdAck) bool {
	head := atomic.LoadUint32(r.headPtr) // acquire: kernel's consumer counter
	next := (r.tail + 1) % r.cmdsLen
	if next == head {
		return false
	}
	slot := r.records[r.tail*wire.CmdAckSize : r.tail*wire.CmdAckSize+wire.CmdAckSize]
	a.Marshal(slot)
	r.tail = next
	atomic.StoreUint32(r.tailPtr, r.tail) // release: publish new producer tail
	return true
}

// PushWait spins until the ack is accepted or maxSpins is exhausted.
func (r *AckRing) PushWait(a wire.CmdAck, maxSpins int) bool {
	for i := 0; i < maxSpins; i++ {
		if r.Push(a) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// CelldArray views the celld descriptors stored in cellc after its
// header, for walking a command's scatter/gather chain.
func CelldArray(cellc []byte, celldsLen uint32) []byte {
	return cellc[cellcHeaderSize : cellcHeaderSize+int(celldsLen)*wire.CelldSize]
}

// CelldsLen reads the cellds_len field of the cellc header.
func CelldsLen(cellc []byte) uint32 {
	return binary.LittleEndian.Uint32(cellc[8:12])
}

// Endpoint wraps the pair of UIO character devices a device uses to
// exchange readiness/credit signals with the kernel: KernelToUser is read
// for "new command count" notifications, UserToKernel is written to hand
// back a read credit per popped command and to signal each pushed ack.
type Endpoint struct {
	KernelToUser *os.File
	UserToKernel *os.File
}

// OpenEndpoint opens the two UIO character devices backing a device's
// notification channel.
func OpenEndpoint(kernelToUserPath, userToKernelPath string) (*Endpoint, error) {
	k2u, err := os.OpenFile(kernelToUserPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", kernelToUserPath, err)
	}
	u2k, err := os.OpenFile(userToKernelPath, os.O_RDWR, 0)
	if err != nil {
		k2u.Close()
		return nil, fmt.Errorf("uio: open %s: %w", userToKernelPath, err)
	}
	return &Endpoint{KernelToUser: k2u, UserToKernel: u2k}, nil
}

// ReadNewCmdCount blocks on the kernel->user UIO fd until the kernel
// signals new commands are available, returning how many.
func (e *Endpoint) ReadNewCmdCount() (uint32, error) {
	var buf [4]byte
	if _, err := e.KernelToUser.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// SignalCredit writes a credit count to the user->kernel UIO fd: once
// per popped command (handing back read credit) and once per pushed ack
// (signalling the kernel to drain cmdb_ack).
func (e *Endpoint) SignalCredit(n uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	_, err := e.UserToKernel.Write(buf[:])
	return err
}

// Close releases both UIO file descriptors.
func (e *Endpoint) Close() error {
	err1 := e.KernelToUser.Close()
	err2 := e.UserToKernel.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// MmapRegion maps length bytes from fd at the given page-aligned offset,
// shared so kernel writes are visible without a syscall round trip. UIO
// exposes each of a device's memory regions as a separate numbered
// mapping at offset = mapIndex * pagesize, per the standard UIO mmap
// convention.
func MmapRegion(fd int, mapIndex int, length int) ([]byte, error) {
	pageSize := os.Getpagesize()
	offset := int64(mapIndex) * int64(pageSize)
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// UnmapRegion releases a region mapped with MmapRegion.
func UnmapRegion(b []byte) error {
	return unix.Munmap(b)
}
