// Package dispatch is the bridge between the ring's opcode/celld-chain
// command shape and the flat (buf, offset) queries the engine's Handler
// tree consumes (spec section 4.B). It decodes one Cmd's opcode, walks
// its celld scatter/gather chain into segments, and submits a typed
// query.ReadQuery/WriteQuery/FlushQuery/DiscardQuery whose completer
// synthesizes the ack this command will be answered with.
package dispatch

import (
	"syscall"

	"github.com/behrlich/ublkd/internal/wire"
	"github.com/behrlich/ublkd/query"
)

// Segment is one scatter/gather piece of a command's buffer: Buf is a
// slice of the cells arena, Off is the device byte offset it corresponds
// to.
type Segment struct {
	Off int64
	Buf []byte
}

// Collect walks a celld chain of celldCount links starting at firstCelld,
// validating every link before returning so a bad chain never causes a
// partial submission. It returns EINVAL for an out-of-range celld index,
// a slice that would run past the cells arena, or a celldCount that
// can't possibly be satisfied by the cellds array -- the last check is
// what keeps a self-referential or corrupt chain from ever being walked
// unboundedly; celldCount alone already bounds the loop, but rejecting an
// implausible count up front avoids doing any work on it.
func Collect(startOffset int64, firstCelld, celldCount uint32, cellds []wire.Celld, cells []byte) ([]Segment, error) {
	if celldCount > uint32(len(cellds)) {
		return nil, syscall.EINVAL
	}
	segs := make([]Segment, 0, celldCount)
	off := startOffset
	idx := firstCelld
	for i := uint32(0); i < celldCount; i++ {
		if idx == wire.CelldNone || int(idx) >= len(cellds) {
			return nil, syscall.EINVAL
		}
		d := cellds[idx]
		end := uint64(d.Offset) + uint64(d.DataSz)
		if end > uint64(len(cells)) {
			return nil, syscall.EINVAL
		}
		segs = append(segs, Segment{Off: off, Buf: cells[d.Offset:end]})
		off += int64(d.DataSz)
		idx = d.Next
	}
	return segs, nil
}

// errno converts a query completion error into a POSIX errno, defaulting
// to EIO for anything that isn't already a syscall.Errno.
func errno(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(syscall.Errno); ok {
		return int(e)
	}
	return int(syscall.EIO)
}

// Ack is invoked exactly once per dispatched command with the errno to
// place in its ack record.
type Ack func(errno int)

// OpHandler processes one decoded command against h.
type OpHandler func(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack)

// Table is indexed by wire.Opcode; an opcode past its end, or with a nil
// entry, means ENOTSUP.
var Table = [4]OpHandler{
	wire.OpRead:    handleRead,
	wire.OpWrite:   handleWrite,
	wire.OpFlush:   handleFlush,
	wire.OpDiscard: handleDiscard,
}

// Dispatch decodes cmd's opcode and routes it to the matching handler, or
// completes it with ENOTSUP if the opcode is unknown.
func Dispatch(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack) {
	if int(cmd.Op) >= len(Table) || Table[cmd.Op] == nil {
		ack(int(syscall.ENOTSUP))
		return
	}
	Table[cmd.Op](cmd, cellds, cells, h, ack)
}

func handleRead(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack) {
	firstCelld, celldCount, devOff := wire.DecodeReadWrite(cmd.Payload)
	segs, err := Collect(int64(devOff), firstCelld, celldCount, cellds, cells)
	if err != nil {
		ack(errno(err))
		return
	}
	if len(segs) == 0 {
		ack(0)
		return
	}
	done := func(err error) { ack(errno(err)) }
	q := query.NewReadQuery(segs[0].Buf, segs[0].Off, done)
	q.Hold()
	h.SubmitRead(q)
	for _, s := range segs[1:] {
		h.SubmitRead(q.Sub(s.Buf, s.Off))
	}
	q.Complete(nil)
}

func handleWrite(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack) {
	firstCelld, celldCount, devOff := wire.DecodeReadWrite(cmd.Payload)
	segs, err := Collect(int64(devOff), firstCelld, celldCount, cellds, cells)
	if err != nil {
		ack(errno(err))
		return
	}
	if len(segs) == 0 {
		ack(0)
		return
	}
	done := func(err error) { ack(errno(err)) }
	q := query.NewWriteQuery(segs[0].Buf, segs[0].Off, done)
	q.Hold()
	h.SubmitWrite(q)
	for _, s := range segs[1:] {
		h.SubmitWrite(q.Sub(s.Buf, s.Off))
	}
	q.Complete(nil)
}

func handleFlush(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack) {
	done := func(err error) { ack(errno(err)) }
	h.SubmitFlush(query.NewFlushQuery(done))
}

func handleDiscard(cmd wire.Cmd, cellds []wire.Celld, cells []byte, h query.Handler, ack Ack) {
	devOff, length := wire.DecodeDiscard(cmd.Payload)
	done := func(err error) { ack(errno(err)) }
	h.SubmitDiscard(query.NewDiscardQuery(int64(devOff), int64(length), done))
}
