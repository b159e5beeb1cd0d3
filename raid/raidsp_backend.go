package raid

import "github.com/behrlich/ublkd/query"

// ParityLeafFunc picks which of N+1 leaves holds parity for a stripe.
type ParityLeafFunc func(stripeID int64) int

// RAID4ParityLeaf always puts parity on leaf n (the last of n+1 leaves).
func RAID4ParityLeaf(n int) ParityLeafFunc {
	return func(int64) int { return n }
}

// RAID5ParityLeaf rotates parity across all n+1 leaves by stripe id.
func RAID5ParityLeaf(n int) ParityLeafFunc {
	return func(stripeID int64) int {
		total := int64(n + 1)
		return n - int(stripeID%total)
	}
}

// spBackend translates (stripe, data-strip-index, strip-offset)
// coordinates into (leaf, leaf-offset) ones via the data-skip-parity
// view, and issues the resulting reads/writes. It holds no locks and does
// no parity arithmetic; both are the acceptor's job.
type spBackend struct {
	stripSz      int
	leaves       []query.Handler // n+1 leaves
	parityLeafID ParityLeafFunc
}

func newSPBackend(stripSz int, leaves []query.Handler, parityLeafID ParityLeafFunc) *spBackend {
	return &spBackend{stripSz: stripSz, leaves: leaves, parityLeafID: parityLeafID}
}

func (b *spBackend) n() int { return len(b.leaves) - 1 }

// dataLeafID maps a data-relative strip index (0..n-1) of a stripe to its
// physical leaf, skipping whichever leaf holds that stripe's parity.
func (b *spBackend) dataLeafID(stripeID int64, dataIdx int) int {
	p := b.parityLeafID(stripeID)
	if dataIdx < p {
		return dataIdx
	}
	return dataIdx + 1
}

func (b *spBackend) leafOffset(stripeID, stripOff int64) int64 {
	return stripeID*int64(b.stripSz) + stripOff
}

// dataRead issues a read of buf from the data-relative strip dataIdx of
// stripeID at strip-local offset stripOff.
func (b *spBackend) dataRead(stripeID int64, dataIdx int, stripOff int64, buf []byte, done query.Completer) {
	leafID := b.dataLeafID(stripeID, dataIdx)
	q := query.NewReadQuery(buf, b.leafOffset(stripeID, stripOff), done)
	b.leaves[leafID].SubmitRead(q)
}

// parityRead issues a read of buf from stripeID's parity strip.
func (b *spBackend) parityRead(stripeID int64, buf []byte, done query.Completer) {
	leafID := b.parityLeafID(stripeID)
	q := query.NewReadQuery(buf, b.leafOffset(stripeID, 0), done)
	b.leaves[leafID].SubmitRead(q)
}

// dataStripeWrite describes one data-strip write within a stripeWrite
// call.
type dataStripeWrite struct {
	dataIdx  int
	stripOff int64
	buf      []byte
}

// stripeWrite issues every data write in writes plus one parity write of
// parityBuf at parityOff, sharing a single completion slot so done fires
// exactly once after all of them finish, carrying the first error.
func (b *spBackend) stripeWrite(stripeID int64, writes []dataStripeWrite, parityOff int64, parityBuf []byte, done query.Completer) {
	parityLeaf := b.parityLeafID(stripeID)
	parent := query.NewWriteQuery(parityBuf, b.leafOffset(stripeID, parityOff), done)
	parent.Hold()
	b.leaves[parityLeaf].SubmitWrite(parent)

	for _, w := range writes {
		sub := parent.Sub(w.buf, b.leafOffset(stripeID, w.stripOff))
		leafQ := query.NewWriteQuery(w.buf, b.leafOffset(stripeID, w.stripOff), sub.Complete)
		b.leaves[b.dataLeafID(stripeID, w.dataIdx)].SubmitWrite(leafQ)
	}
	parent.Complete(nil)
}
