// Package raid implements the striping, mirroring, and parity-protected
// dispatchers that turn one device address space into queries against N
// leaves. Every dispatcher is itself a query.Handler, so RAID levels
// compose by nesting -- a RAID0 over RAID1 leaves is RAID10 with no
// special-casing anywhere in this package.
package raid

import "github.com/behrlich/ublkd/query"

// RAID0 stripes a device address space round-robin across N leaves in
// fixed-size strips. It has no redundancy: any leaf error propagates
// straight to the caller.
type RAID0 struct {
	stripSz int
	leaves  []query.Handler
}

// NewRAID0 builds a striped dispatcher over leaves with the given strip
// size in bytes.
func NewRAID0(stripSz int, leaves []query.Handler) *RAID0 {
	return &RAID0{stripSz: stripSz, leaves: leaves}
}

type stripPiece struct {
	leafID  int
	leafOff int64
	length  int64
}

// splitPieces maps the byte range [off, off+length) onto the leaves it
// touches: strip_global = off/stripSz, leaf_id = strip_global mod N,
// leaf-local offset = (strip_global/N)*stripSz + strip_off.
func (r *RAID0) splitPieces(off, length int64) []stripPiece {
	n := int64(len(r.leaves))
	var pieces []stripPiece
	remaining := length
	cur := off
	for remaining > 0 {
		stripGlobal := cur / int64(r.stripSz)
		stripOff := cur % int64(r.stripSz)
		leafID := int(stripGlobal % n)
		leafOff := (stripGlobal/n)*int64(r.stripSz) + stripOff
		pieceLen := int64(r.stripSz) - stripOff
		if pieceLen > remaining {
			pieceLen = remaining
		}
		pieces = append(pieces, stripPiece{leafID: leafID, leafOff: leafOff, length: pieceLen})
		remaining -= pieceLen
		cur += pieceLen
	}
	return pieces
}

// SubmitRead implements query.Handler.
func (r *RAID0) SubmitRead(q *query.ReadQuery) {
	pieces := r.splitPieces(q.Off, int64(len(q.Buf)))
	if len(pieces) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	bufOff := int64(0)
	for i, pc := range pieces {
		sub := q
		pieceBuf := q.Buf[bufOff : bufOff+pc.length]
		if i > 0 {
			sub = q.Sub(pieceBuf, pc.leafOff)
		}
		leafQ := query.NewReadQuery(pieceBuf, pc.leafOff, sub.Complete)
		r.leaves[pc.leafID].SubmitRead(leafQ)
		bufOff += pc.length
	}
	q.Complete(nil)
}

// SubmitWrite implements query.Handler.
func (r *RAID0) SubmitWrite(q *query.WriteQuery) {
	pieces := r.splitPieces(q.Off, int64(len(q.Buf)))
	if len(pieces) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	bufOff := int64(0)
	for i, pc := range pieces {
		sub := q
		pieceBuf := q.Buf[bufOff : bufOff+pc.length]
		if i > 0 {
			sub = q.Sub(pieceBuf, pc.leafOff)
		}
		leafQ := query.NewWriteQuery(pieceBuf, pc.leafOff, sub.Complete)
		r.leaves[pc.leafID].SubmitWrite(leafQ)
		bufOff += pc.length
	}
	q.Complete(nil)
}

// SubmitFlush implements query.Handler: fans out to every leaf.
func (r *RAID0) SubmitFlush(q *query.FlushQuery) { FanFlush(r.leaves, q) }

// SubmitDiscard implements query.Handler.
func (r *RAID0) SubmitDiscard(q *query.DiscardQuery) {
	pieces := r.splitPieces(q.Off, q.Len)
	if len(pieces) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, pc := range pieces {
		sub := q
		if i > 0 {
			sub = q.Sub(pc.leafOff, pc.length)
		}
		leafQ := query.NewDiscardQuery(pc.leafOff, pc.length, sub.Complete)
		r.leaves[pc.leafID].SubmitDiscard(leafQ)
	}
	q.Complete(nil)
}
