package raid

import (
	"fmt"

	"github.com/behrlich/ublkd/internal/bitset"
	"github.com/behrlich/ublkd/internal/mempool"
	"github.com/behrlich/ublkd/parity"
	"github.com/behrlich/ublkd/query"
)

// RAIDSP is the acceptor shared by RAID4 and RAID5: per-stripe write
// serialization, parity coherence tracking, and the three write paths
// (full-stripe, incremental, from-scratch). RAID4 and RAID5 differ only
// in which leaf holds parity for a given stripe.
type RAIDSP struct {
	stripSz      int
	n            int
	stripeDataSz int64

	backend *spBackend

	locks    *bitset.RWLocks
	coherent *bitset.Set

	stripPool  *mempool.Pool
	stripePool *mempool.Pool

	pendingWrites map[int64][]spPendingWrite
}

type spPendingWrite struct {
	sub       *query.WriteQuery
	stripeOff int64
	buf       []byte
}

// NewRAID4 builds a RAID4 acceptor over leaves (n data leaves plus one
// fixed parity leaf, the last).
func NewRAID4(stripSz int, leaves []query.Handler) (*RAIDSP, error) {
	return newRAIDSP(stripSz, leaves, RAID4ParityLeaf(len(leaves)-1))
}

// NewRAID5 builds a RAID5 acceptor over leaves, rotating parity across
// all of them by stripe id.
func NewRAID5(stripSz int, leaves []query.Handler) (*RAIDSP, error) {
	return newRAIDSP(stripSz, leaves, RAID5ParityLeaf(len(leaves)-1))
}

func newRAIDSP(stripSz int, leaves []query.Handler, parityLeafID ParityLeafFunc) (*RAIDSP, error) {
	if len(leaves) < 2 {
		return nil, fmt.Errorf("raid: RAID4/5 requires at least 2 leaves (1 data + 1 parity), got %d", len(leaves))
	}
	n := len(leaves) - 1
	stripPool, err := mempool.New(64, stripSz)
	if err != nil {
		return nil, err
	}
	stripePool, err := mempool.New(64, stripSz*n)
	if err != nil {
		return nil, err
	}
	return &RAIDSP{
		stripSz:       stripSz,
		n:             n,
		stripeDataSz:  int64(n) * int64(stripSz),
		backend:       newSPBackend(stripSz, leaves, parityLeafID),
		locks:         bitset.New(0),
		coherent:      bitset.NewSet(0),
		stripPool:     stripPool,
		stripePool:    stripePool,
		pendingWrites: make(map[int64][]spPendingWrite),
	}, nil
}

type dataPiece struct {
	dataIdx  int
	stripOff int64
	buf      []byte
}

// splitStripeData maps a byte range local to one stripe's data space
// (offset stripeOff, up to stripeDataSz bytes) onto the data-relative
// strips it touches.
func (r *RAIDSP) splitStripeData(stripeOff int64, buf []byte) []dataPiece {
	var pieces []dataPiece
	remaining := buf
	cur := stripeOff
	for len(remaining) > 0 {
		dataIdx := int(cur / int64(r.stripSz))
		localOff := cur % int64(r.stripSz)
		n := int64(r.stripSz) - localOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		pieces = append(pieces, dataPiece{dataIdx: dataIdx, stripOff: localOff, buf: remaining[:n]})
		remaining = remaining[n:]
		cur += n
	}
	return pieces
}

type stripeSpan struct {
	stripeID  int64
	stripeOff int64
	buf       []byte
}

// splitStripes maps a device byte range onto the stripes it touches. The
// addressable data space skips parity entirely, so this is just integer
// division by stripeDataSz.
func (r *RAIDSP) splitStripes(buf []byte, off int64) []stripeSpan {
	var spans []stripeSpan
	remaining := buf
	cur := off
	for len(remaining) > 0 {
		stripeID := cur / r.stripeDataSz
		stripeOff := cur % r.stripeDataSz
		n := r.stripeDataSz - stripeOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		spans = append(spans, stripeSpan{stripeID: stripeID, stripeOff: stripeOff, buf: remaining[:n]})
		remaining = remaining[n:]
		cur += n
	}
	return spans
}

func (r *RAIDSP) deviceOffset(stripeID, stripeOff int64) int64 {
	return stripeID*r.stripeDataSz + stripeOff
}

// SubmitRead implements query.Handler: reads bypass parity entirely,
// walking the data-skip-parity view strip by strip.
func (r *RAIDSP) SubmitRead(q *query.ReadQuery) {
	spans := r.splitStripes(q.Buf, q.Off)
	if len(spans) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, sp := range spans {
		sub := q
		if i > 0 {
			sub = q.Sub(sp.buf, r.deviceOffset(sp.stripeID, sp.stripeOff))
		}
		pieces := r.splitStripeData(sp.stripeOff, sp.buf)
		for j, dp := range pieces {
			leafSub := sub
			if j > 0 {
				leafSub = sub.Sub(dp.buf, 0)
			}
			r.backend.dataRead(sp.stripeID, dp.dataIdx, dp.stripOff, dp.buf, leafSub.Complete)
		}
	}
	q.Complete(nil)
}

// SubmitFlush implements query.Handler.
func (r *RAIDSP) SubmitFlush(q *query.FlushQuery) { FanFlush(r.backend.leaves, q) }

// Coherent reports whether stripeID's parity currently agrees with its
// data strips, satisfying fsm.CoherenceChecker.
func (r *RAIDSP) Coherent(stripeID int64) bool { return r.coherent.Test(int(stripeID)) }

// SubmitDiscard implements query.Handler: forwarded to the data leaves a
// range touches, bypassing parity; any stripe it touches loses its
// coherence bit, since the discarded data strips no longer agree with
// whatever parity was computed over them.
func (r *RAIDSP) SubmitDiscard(q *query.DiscardQuery) {
	spans := r.splitStripes(fakeBuf(q.Len), q.Off)
	if len(spans) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, sp := range spans {
		sub := q
		if i > 0 {
			sub = q.Sub(r.deviceOffset(sp.stripeID, sp.stripeOff), int64(len(sp.buf)))
		}
		r.coherent.Clear(int(sp.stripeID))
		pieces := r.splitStripeData(sp.stripeOff, sp.buf)
		for j, dp := range pieces {
			leafSub := sub
			if j > 0 {
				leafSub = sub.Sub(0, int64(len(dp.buf)))
			}
			leafID := r.backend.dataLeafID(sp.stripeID, dp.dataIdx)
			leafQ := query.NewDiscardQuery(r.backend.leafOffset(sp.stripeID, dp.stripOff), int64(len(dp.buf)), leafSub.Complete)
			r.backend.leaves[leafID].SubmitDiscard(leafQ)
		}
	}
	q.Complete(nil)
}

// fakeBuf stands in for a byte range whose length is all splitStripes
// needs; discard has no payload to slice.
func fakeBuf(n int64) []byte { return make([]byte, n) }

// SubmitWrite implements query.Handler.
func (r *RAIDSP) SubmitWrite(q *query.WriteQuery) {
	spans := r.splitStripes(q.Buf, q.Off)
	if len(spans) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, sp := range spans {
		sub := q
		if i > 0 {
			sub = q.Sub(sp.buf, r.deviceOffset(sp.stripeID, sp.stripeOff))
		}
		r.submitStripeWrite(sub, sp.stripeID, sp.stripeOff, sp.buf)
	}
	q.Complete(nil)
}

func (r *RAIDSP) submitStripeWrite(sub *query.WriteQuery, stripeID, stripeOff int64, buf []byte) {
	if !r.locks.TryWriteLock(int(stripeID)) {
		r.pendingWrites[stripeID] = append(r.pendingWrites[stripeID], spPendingWrite{sub: sub, stripeOff: stripeOff, buf: buf})
		return
	}
	r.process(sub, stripeID, stripeOff, buf)
}

// process assumes the write lock on stripeID is already held.
func (r *RAIDSP) process(sub *query.WriteQuery, stripeID, stripeOff int64, buf []byte) {
	switch {
	case stripeOff == 0 && int64(len(buf)) == r.stripeDataSz:
		r.fullStripeWrite(sub, stripeID, buf)
	case r.coherent.Test(int(stripeID)):
		r.incrementalWrite(sub, stripeID, stripeOff, buf)
	default:
		r.fromScratchWrite(sub, stripeID, stripeOff, buf)
	}
}

func (r *RAIDSP) fullStripeWrite(sub *query.WriteQuery, stripeID int64, buf []byte) {
	parityBuf, err := r.stripPool.Get()
	if err != nil {
		r.finishStripe(stripeID, err, sub)
		return
	}
	if err := parity.Renew(buf[0:r.stripSz], parityBuf); err != nil {
		r.stripPool.Put(parityBuf)
		r.finishStripe(stripeID, err, sub)
		return
	}
	for i := 1; i < r.n; i++ {
		if err := parity.To(buf[i*r.stripSz:(i+1)*r.stripSz], parityBuf, 0); err != nil {
			r.stripPool.Put(parityBuf)
			r.finishStripe(stripeID, err, sub)
			return
		}
	}

	writes := make([]dataStripeWrite, r.n)
	for i := 0; i < r.n; i++ {
		writes[i] = dataStripeWrite{dataIdx: i, stripOff: 0, buf: buf[i*r.stripSz : (i+1)*r.stripSz]}
	}
	r.backend.stripeWrite(stripeID, writes, 0, parityBuf, func(err error) {
		r.stripPool.Put(parityBuf)
		r.finishStripe(stripeID, err, sub)
	})
}

func (r *RAIDSP) incrementalWrite(sub *query.WriteQuery, stripeID, stripeOff int64, buf []byte) {
	pieces := r.splitStripeData(stripeOff, buf)
	oldData := make([][]byte, len(pieces))

	oldParity, err := r.stripPool.Get()
	if err != nil {
		r.finishStripe(stripeID, err, sub)
		return
	}

	pending := len(pieces) + 1
	var joinErr error
	join := func(err error) {
		if err != nil && joinErr == nil {
			joinErr = err
		}
		pending--
		if pending > 0 {
			return
		}
		if joinErr != nil {
			r.stripPool.Put(oldParity)
			r.finishStripe(stripeID, joinErr, sub)
			return
		}
		r.applyIncrementalParity(sub, stripeID, pieces, oldData, oldParity, buf)
	}

	r.backend.parityRead(stripeID, oldParity, join)
	for i, pc := range pieces {
		oldData[i] = make([]byte, len(pc.buf))
		r.backend.dataRead(stripeID, pc.dataIdx, pc.stripOff, oldData[i], join)
	}
}

func (r *RAIDSP) applyIncrementalParity(sub *query.WriteQuery, stripeID int64, pieces []dataPiece, oldData [][]byte, oldParity []byte, newBuf []byte) {
	for i, pc := range pieces {
		if err := parity.To(pc.buf, oldData[i], 0); err != nil {
			r.stripPool.Put(oldParity)
			r.finishStripe(stripeID, err, sub)
			return
		}
		if err := parity.To(oldData[i], oldParity, int(pc.stripOff)); err != nil {
			r.stripPool.Put(oldParity)
			r.finishStripe(stripeID, err, sub)
			return
		}
	}

	writes := make([]dataStripeWrite, len(pieces))
	for i, pc := range pieces {
		writes[i] = dataStripeWrite{dataIdx: pc.dataIdx, stripOff: pc.stripOff, buf: pc.buf}
	}
	r.backend.stripeWrite(stripeID, writes, 0, oldParity, func(err error) {
		r.stripPool.Put(oldParity)
		r.finishStripe(stripeID, err, sub)
	})
}

func (r *RAIDSP) fromScratchWrite(sub *query.WriteQuery, stripeID, stripeOff int64, buf []byte) {
	stripeBuf, err := r.stripePool.Get()
	if err != nil {
		r.finishStripe(stripeID, err, sub)
		return
	}

	pending := r.n
	var joinErr error
	join := func(err error) {
		if err != nil && joinErr == nil {
			joinErr = err
		}
		pending--
		if pending > 0 {
			return
		}
		if joinErr != nil {
			r.stripePool.Put(stripeBuf)
			r.finishStripe(stripeID, joinErr, sub)
			return
		}
		r.finishFromScratch(sub, stripeID, stripeOff, buf, stripeBuf)
	}
	for i := 0; i < r.n; i++ {
		r.backend.dataRead(stripeID, i, 0, stripeBuf[i*r.stripSz:(i+1)*r.stripSz], join)
	}
}

func (r *RAIDSP) finishFromScratch(sub *query.WriteQuery, stripeID, stripeOff int64, payload, stripeBuf []byte) {
	copy(stripeBuf[stripeOff:stripeOff+int64(len(payload))], payload)

	parityBuf, err := r.stripPool.Get()
	if err != nil {
		r.stripePool.Put(stripeBuf)
		r.finishStripe(stripeID, err, sub)
		return
	}
	if err := parity.Renew(stripeBuf[0:r.stripSz], parityBuf); err != nil {
		r.stripePool.Put(stripeBuf)
		r.stripPool.Put(parityBuf)
		r.finishStripe(stripeID, err, sub)
		return
	}
	for i := 1; i < r.n; i++ {
		if err := parity.To(stripeBuf[i*r.stripSz:(i+1)*r.stripSz], parityBuf, 0); err != nil {
			r.stripePool.Put(stripeBuf)
			r.stripPool.Put(parityBuf)
			r.finishStripe(stripeID, err, sub)
			return
		}
	}

	pieces := r.splitStripeData(stripeOff, payload)
	writes := make([]dataStripeWrite, len(pieces))
	for i, pc := range pieces {
		writes[i] = dataStripeWrite{dataIdx: pc.dataIdx, stripOff: pc.stripOff, buf: pc.buf}
	}
	r.backend.stripeWrite(stripeID, writes, 0, parityBuf, func(err error) {
		r.stripePool.Put(stripeBuf)
		r.stripPool.Put(parityBuf)
		r.finishStripe(stripeID, err, sub)
	})
}

// finishStripe updates the stripe's coherence bit, completes sub, and
// runs the pending-writes drain loop: pop the next enqueued write for
// stripeID and process it (the lock stays held across that hand-off), or
// release the lock if none is pending.
func (r *RAIDSP) finishStripe(stripeID int64, err error, sub *query.WriteQuery) {
	if err == nil {
		r.coherent.Set(int(stripeID))
	} else {
		r.coherent.Clear(int(stripeID))
	}
	sub.Complete(err)

	pending := r.pendingWrites[stripeID]
	if len(pending) == 0 {
		r.locks.WriteUnlock(int(stripeID))
		return
	}
	next := pending[0]
	if len(pending) == 1 {
		delete(r.pendingWrites, stripeID)
	} else {
		r.pendingWrites[stripeID] = pending[1:]
	}
	r.process(next.sub, stripeID, next.stripeOff, next.buf)
}
