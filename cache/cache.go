// Package cache implements the two caching layers that can wrap any leaf
// handler: RWI (write-invalidate) and RWT (write-through). Both share a
// fixed-size chunk pool, an approximate-LRU index of installed chunks,
// and a read-lock bitset that coalesces concurrent reads of the same
// chunk into a single leaf read.
package cache

import (
	"fmt"

	"github.com/behrlich/ublkd/internal/bitset"
	"github.com/behrlich/ublkd/internal/lru"
	"github.com/behrlich/ublkd/internal/mempool"
	"github.com/behrlich/ublkd/query"
)

// chunkAlignment is the pool buffer alignment; chunk contents aren't
// interpreted as any particular type, so 64 bytes (a typical cache line)
// is enough to keep allocations well-behaved without over-aligning.
const chunkAlignment = 64

type piece struct {
	off int64
	buf []byte
}

// splitChunks breaks (buf, off) into the ordered, chunk-aligned pieces
// needed to cover the whole request, one per chunk the range touches.
func splitChunks(buf []byte, off int64, chunkSize int) []piece {
	var pieces []piece
	remaining := buf
	cur := off
	for len(remaining) > 0 {
		chunkOff := cur % int64(chunkSize)
		n := int64(chunkSize) - chunkOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		pieces = append(pieces, piece{off: cur, buf: remaining[:n]})
		remaining = remaining[n:]
		cur += n
	}
	return pieces
}

func chunkID(off int64, chunkSize int) uint64 { return uint64(off / int64(chunkSize)) }

func chunkSubOff(off int64, chunkSize int) int { return int(off % int64(chunkSize)) }

// chunkRangeEnd returns the exclusive end of the chunk-id range touched by
// [off, off+length); a zero or negative length touches no chunks at all
// (the returned end equals the id of the chunk off falls in).
func chunkRangeEnd(off, length int64, chunkSize int) uint64 {
	if length <= 0 {
		return chunkID(off, chunkSize)
	}
	return chunkID(off+length-1, chunkSize) + 1
}

// chunkStore is the read-side state shared by RWI and RWT: the chunk
// pool, the LRU index, and the read-lock bitset plus its pending-reads
// queue.
type chunkStore struct {
	leaf      query.Handler
	chunkSize int
	index     *lru.Index[[]byte]
	pool      *mempool.Pool
	locks     *bitset.RWLocks

	pendingReads map[uint64][]pendingRead
}

type pendingRead struct {
	sub *query.ReadQuery
	pc  piece
}

func newChunkStore(leaf query.Handler, chunkSize int, cacheLen uint64) (*chunkStore, error) {
	if cacheLen == 0 {
		return nil, fmt.Errorf("cache: capacity must be positive")
	}
	pool, err := mempool.New(chunkAlignment, chunkSize)
	if err != nil {
		return nil, err
	}
	return &chunkStore{
		leaf:         leaf,
		chunkSize:    chunkSize,
		index:        lru.New[[]byte](cacheLen),
		pool:         pool,
		locks:        bitset.New(0),
		pendingReads: make(map[uint64][]pendingRead),
	}, nil
}

// submitRead is the read path shared verbatim by RWI and RWT: split into
// chunk pieces, serve each from cache, coalesce concurrent misses on the
// same chunk under a read lock.
func (s *chunkStore) submitRead(q *query.ReadQuery) {
	pieces := splitChunks(q.Buf, q.Off, s.chunkSize)
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
		s.servePiece(sub, pc)
	}
	q.Complete(nil)
}

func (s *chunkStore) servePiece(sub *query.ReadQuery, pc piece) {
	chunk := chunkID(pc.off, s.chunkSize)
	chunkOff := chunkSubOff(pc.off, s.chunkSize)

	if cached, ok := s.index.Find(chunk); ok {
		copy(pc.buf, cached[chunkOff:chunkOff+len(pc.buf)])
		sub.Complete(nil)
		return
	}

	if !s.locks.TryReadLock(int(chunk)) {
		s.pendingReads[chunk] = append(s.pendingReads[chunk], pendingRead{sub: sub, pc: pc})
		return
	}

	chunkBuf, err := s.pool.Get()
	if err != nil {
		s.locks.ReadUnlock(int(chunk))
		sub.Complete(err)
		return
	}

	leafQ := query.NewReadQuery(chunkBuf, int64(chunk)*int64(s.chunkSize), func(err error) {
		s.completeChunkFetch(chunk, chunkOff, chunkBuf, err, sub, pc)
	})
	s.leaf.SubmitRead(leafQ)
}

func (s *chunkStore) completeChunkFetch(chunk uint64, chunkOff int, chunkBuf []byte, err error, sub *query.ReadQuery, pc piece) {
	var final []byte
	if err == nil {
		if cached, ok := s.index.Find(chunk); ok {
			final = cached
			s.pool.Put(chunkBuf)
		} else {
			evKey, evBuf, evicted := s.index.Update(chunk, chunkBuf)
			if evicted && evKey != chunk {
				s.pool.Put(evBuf)
			}
			final = chunkBuf
		}
		copy(pc.buf, final[chunkOff:chunkOff+len(pc.buf)])
	}
	sub.Complete(err)

	pending := s.pendingReads[chunk]
	delete(s.pendingReads, chunk)
	for _, p := range pending {
		if err == nil {
			pOff := chunkSubOff(p.pc.off, s.chunkSize)
			copy(p.pc.buf, final[pOff:pOff+len(p.pc.buf)])
		}
		p.sub.Complete(err)
	}

	s.locks.ReadUnlock(int(chunk))
}
