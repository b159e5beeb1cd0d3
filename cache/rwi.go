package cache

import "github.com/behrlich/ublkd/query"

// RWI is the write-invalidate cache: a write is forwarded to the leaf
// untouched, and on completion invalidates whatever chunk range it
// covered. Reads coalesce through the shared chunk store. This keeps the
// cache simple at the cost of a guaranteed miss on the chunk right after
// it's written.
type RWI struct {
	*chunkStore
}

// NewRWI wraps leaf with a write-invalidate cache of cacheLen chunks of
// chunkSize bytes each.
func NewRWI(leaf query.Handler, chunkSize int, cacheLen uint64) (*RWI, error) {
	cs, err := newChunkStore(leaf, chunkSize, cacheLen)
	if err != nil {
		return nil, err
	}
	return &RWI{chunkStore: cs}, nil
}

// SubmitRead implements query.Handler.
func (c *RWI) SubmitRead(q *query.ReadQuery) { c.submitRead(q) }

// SubmitWrite implements query.Handler.
func (c *RWI) SubmitWrite(q *query.WriteQuery) {
	first := chunkID(q.Off, c.chunkSize)
	last := chunkRangeEnd(q.Off, int64(len(q.Buf)), c.chunkSize)
	leafQ := query.NewWriteQuery(q.Buf, q.Off, func(err error) {
		c.index.InvalidateRange(first, last)
		q.Complete(err)
	})
	c.leaf.SubmitWrite(leafQ)
}

// SubmitFlush implements query.Handler. Flushing has no cache-visible
// effect, so it passes straight through.
func (c *RWI) SubmitFlush(q *query.FlushQuery) { c.leaf.SubmitFlush(q) }

// SubmitDiscard implements query.Handler: invalidate the touched range,
// then forward.
func (c *RWI) SubmitDiscard(q *query.DiscardQuery) {
	first := chunkID(q.Off, c.chunkSize)
	last := chunkRangeEnd(q.Off, q.Len, c.chunkSize)
	leafQ := query.NewDiscardQuery(q.Off, q.Len, func(err error) {
		c.index.InvalidateRange(first, last)
		q.Complete(err)
	})
	c.leaf.SubmitDiscard(leafQ)
}
