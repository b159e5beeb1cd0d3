package cache

import "github.com/behrlich/ublkd/query"

// RWT is the write-through cache: reads behave exactly like RWI, but
// writes are serialized per chunk through a write lock and FIFO queue
// instead of invalidating. A write may take a full-chunk, partial-cached,
// or partial-uncached (read-modify-write) path depending on what's
// already installed.
type RWT struct {
	*chunkStore
	pendingWrites map[uint64][]pendingWrite
}

type pendingWrite struct {
	sub *query.WriteQuery
	pc  piece
}

// NewRWT wraps leaf with a write-through cache of cacheLen chunks of
// chunkSize bytes each.
func NewRWT(leaf query.Handler, chunkSize int, cacheLen uint64) (*RWT, error) {
	cs, err := newChunkStore(leaf, chunkSize, cacheLen)
	if err != nil {
		return nil, err
	}
	return &RWT{chunkStore: cs, pendingWrites: make(map[uint64][]pendingWrite)}, nil
}

// SubmitRead implements query.Handler.
func (c *RWT) SubmitRead(q *query.ReadQuery) { c.submitRead(q) }

// SubmitFlush implements query.Handler.
func (c *RWT) SubmitFlush(q *query.FlushQuery) { c.leaf.SubmitFlush(q) }

// SubmitDiscard implements query.Handler.
func (c *RWT) SubmitDiscard(q *query.DiscardQuery) {
	first := chunkID(q.Off, c.chunkSize)
	last := chunkRangeEnd(q.Off, q.Len, c.chunkSize)
	leafQ := query.NewDiscardQuery(q.Off, q.Len, func(err error) {
		c.index.InvalidateRange(first, last)
		q.Complete(err)
	})
	c.leaf.SubmitDiscard(leafQ)
}

// SubmitWrite implements query.Handler: split into chunk-aligned pieces
// and feed each into the per-chunk write pipeline.
func (c *RWT) SubmitWrite(q *query.WriteQuery) {
	pieces := splitChunks(q.Buf, q.Off, c.chunkSize)
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
		c.submitWritePiece(sub, pc)
	}
	q.Complete(nil)
}

func (c *RWT) submitWritePiece(sub *query.WriteQuery, pc piece) {
	chunk := chunkID(pc.off, c.chunkSize)
	if !c.locks.TryWriteLock(int(chunk)) {
		c.pendingWrites[chunk] = append(c.pendingWrites[chunk], pendingWrite{sub: sub, pc: pc})
		return
	}
	c.process(sub, pc, chunk)
}

// process assumes the write lock on chunk is already held (by the
// initial TryWriteLock or by the caller having just dequeued this piece
// from the pending FIFO).
func (c *RWT) process(sub *query.WriteQuery, pc piece, chunk uint64) {
	chunkOff := chunkSubOff(pc.off, c.chunkSize)
	full := chunkOff == 0 && len(pc.buf) == c.chunkSize

	switch {
	case full:
		buf, err := c.pool.Get()
		if err != nil {
			c.onChunkWriteDone(chunk, err, sub)
			return
		}
		copy(buf, pc.buf)
		c.install(chunk, buf)
		c.forwardWrite(sub, pc, chunk)

	default:
		if cached, ok := c.index.Find(chunk); ok {
			copy(cached[chunkOff:chunkOff+len(pc.buf)], pc.buf)
			c.forwardWrite(sub, pc, chunk)
			return
		}
		c.readModifyWrite(sub, pc, chunk, chunkOff)
	}
}

func (c *RWT) readModifyWrite(sub *query.WriteQuery, pc piece, chunk uint64, chunkOff int) {
	buf, err := c.pool.Get()
	if err != nil {
		c.onChunkWriteDone(chunk, err, sub)
		return
	}
	readQ := query.NewReadQuery(buf, int64(chunk)*int64(c.chunkSize), func(err error) {
		if err != nil {
			c.pool.Put(buf)
			c.onChunkWriteDone(chunk, err, sub)
			return
		}
		copy(buf[chunkOff:chunkOff+len(pc.buf)], pc.buf)
		c.install(chunk, buf)
		c.forwardWrite(sub, pc, chunk)
	})
	c.leaf.SubmitRead(readQ)
}

func (c *RWT) install(chunk uint64, buf []byte) {
	evKey, evBuf, evicted := c.index.Update(chunk, buf)
	if evicted && evKey != chunk {
		c.pool.Put(evBuf)
	}
}

func (c *RWT) forwardWrite(sub *query.WriteQuery, pc piece, chunk uint64) {
	leafQ := query.NewWriteQuery(pc.buf, pc.off, func(err error) {
		c.onChunkWriteDone(chunk, err, sub)
	})
	c.leaf.SubmitWrite(leafQ)
}

func (c *RWT) onChunkWriteDone(chunk uint64, err error, sub *query.WriteQuery) {
	if err != nil {
		c.index.Invalidate(chunk)
	}
	sub.Complete(err)

	pending := c.pendingWrites[chunk]
	if len(pending) == 0 {
		c.locks.WriteUnlock(int(chunk))
		return
	}
	next := pending[0]
	if len(pending) == 1 {
		delete(c.pendingWrites, chunk)
	} else {
		c.pendingWrites[chunk] = pending[1:]
	}
	c.process(next.sub, next.pc, chunk)
}
