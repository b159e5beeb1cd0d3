package raid

import "github.com/behrlich/ublkd/query"

// RAID1 mirrors a device address space identically across N leaves.
// Reads are striped round-robin across mirrors for throughput; writes go
// to every mirror.
type RAID1 struct {
	readStripSz int
	leaves      []query.Handler
	next        int
}

// NewRAID1 builds a mirrored dispatcher over leaves, reading in
// readStripSz-byte pieces round-robin across them.
func NewRAID1(readStripSz int, leaves []query.Handler) *RAID1 {
	return &RAID1{readStripSz: readStripSz, leaves: leaves}
}

type mirrorPiece struct {
	off int64
	buf []byte
}

// splitByStrip walks the request in readStripSz increments: unlike
// RAID0's strip math, a mirror's leaf-local offset always equals the
// device offset, since every mirror holds an identical copy.
func splitByStrip(buf []byte, off int64, stripSz int) []mirrorPiece {
	var pieces []mirrorPiece
	remaining := buf
	cur := off
	for len(remaining) > 0 {
		n := stripSz
		if n > len(remaining) {
			n = len(remaining)
		}
		pieces = append(pieces, mirrorPiece{off: cur, buf: remaining[:n]})
		remaining = remaining[n:]
		cur += int64(n)
	}
	return pieces
}

// SubmitRead implements query.Handler. The round-robin cursor advances
// per piece, not per request, so one large read stripes across mirrors.
func (r *RAID1) SubmitRead(q *query.ReadQuery) {
	pieces := splitByStrip(q.Buf, q.Off, r.readStripSz)
	if len(pieces) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, pc := range pieces {
		sub := q
		if i > 0 {
			sub = q.Sub(pc.buf, pc.off)
		}
		leaf := r.leaves[r.next]
		r.next = (r.next + 1) % len(r.leaves)
		leafQ := query.NewReadQuery(pc.buf, pc.off, sub.Complete)
		leaf.SubmitRead(leafQ)
	}
	q.Complete(nil)
}

// SubmitWrite implements query.Handler: the same write is submitted to
// every mirror, sharing q's completion slot so any mirror error fails the
// whole write.
func (r *RAID1) SubmitWrite(q *query.WriteQuery) {
	if len(r.leaves) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, leaf := range r.leaves {
		sub := q
		if i > 0 {
			sub = q.Sub(q.Buf, q.Off)
		}
		leafQ := query.NewWriteQuery(q.Buf, q.Off, sub.Complete)
		leaf.SubmitWrite(leafQ)
	}
	q.Complete(nil)
}

// SubmitFlush implements query.Handler.
func (r *RAID1) SubmitFlush(q *query.FlushQuery) { FanFlush(r.leaves, q) }

// SubmitDiscard implements query.Handler: forwarded to every mirror like
// a write, since every mirror must agree on which bytes are no longer
// valid.
func (r *RAID1) SubmitDiscard(q *query.DiscardQuery) {
	if len(r.leaves) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, leaf := range r.leaves {
		sub := q
		if i > 0 {
			sub = q.Sub(q.Off, q.Len)
		}
		leafQ := query.NewDiscardQuery(q.Off, q.Len, sub.Complete)
		leaf.SubmitDiscard(leafQ)
	}
	q.Complete(nil)
}
