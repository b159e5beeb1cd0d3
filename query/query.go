// Package query defines the read/write/flush/discard query types that flow
// through the engine, and the Handler contract every layer of the target
// tree (leaf, cache, RAID dispatcher, FSM) implements.
//
// A query is reference counted: a parent write or read fanned out into N
// subqueries shares a single completer slot. The last subquery to finish
// fires the parent's completer exactly once, carrying the first error
// observed across all of them. There are no mutexes here: the engine is
// single-threaded per device, and completers run inline at the point the
// last reference drops.
package query

// Completer is invoked exactly once when a query finishes, carrying the
// first non-nil error observed by it or any of its subqueries (nil on
// success).
type Completer func(err error)

// state is the shared, reference-counted completion slot for a query and
// its subqueries. Not safe for concurrent use; the engine is single
// threaded per device so this is deliberate.
type state struct {
	pending int
	err     error
	done    Completer
}

func newState(n int, done Completer) *state {
	if done == nil {
		done = func(error) {}
	}
	return &state{pending: n, done: done}
}

// release drops one reference. If err is the first error observed it is
// latched; once all references are released, done fires with the latched
// error.
func (s *state) release(err error) {
	if err != nil && s.err == nil {
		s.err = err
	}
	s.pending--
	if s.pending == 0 {
		s.done(s.err)
	}
}

// addRef adds n more outstanding references before any of the existing
// ones can reach zero. Used when a query is split into subqueries after
// construction (e.g. a RAID0 write fanned out across leaves).
func (s *state) addRef(n int) {
	s.pending += n
}

// ReadQuery is a mutable-buffer read: off is the device offset the first
// byte of Buf should land at. Complete must be called exactly once per
// subquery derived from it (or once directly, if never split).
type ReadQuery struct {
	Buf   []byte
	Off   int64
	state *state
}

// NewReadQuery creates a top-level read query whose completer fires once
// all of its subqueries (if any) have completed.
func NewReadQuery(buf []byte, off int64, done Completer) *ReadQuery {
	return &ReadQuery{Buf: buf, Off: off, state: newState(1, done)}
}

// Sub creates a child read query sharing this query's completion slot,
// covering a slice of the parent's buffer at its own device offset.
func (q *ReadQuery) Sub(buf []byte, off int64) *ReadQuery {
	q.state.addRef(1)
	return &ReadQuery{Buf: buf, Off: off, state: q.state}
}

// Hold acquires an extra, unattached reference on q's completion slot.
// Fan-out submitters that split a query into several pieces call Hold
// before submitting any of them and Complete(nil) once every piece has
// been split and submitted, guarding against a piece that completes
// inline (a synchronous leaf) from driving the shared reference count to
// zero -- and firing the parent's completer -- before a later piece has
// even been split off.
func (q *ReadQuery) Hold() { q.state.addRef(1) }

// Complete fires this query's contribution to its shared completer.
func (q *ReadQuery) Complete(err error) { q.state.release(err) }

// WriteQuery is an immutable-buffer write.
type WriteQuery struct {
	Buf   []byte
	Off   int64
	state *state
}

// NewWriteQuery creates a top-level write query.
func NewWriteQuery(buf []byte, off int64, done Completer) *WriteQuery {
	return &WriteQuery{Buf: buf, Off: off, state: newState(1, done)}
}

// Sub creates a child write query sharing this query's completion slot.
func (q *WriteQuery) Sub(buf []byte, off int64) *WriteQuery {
	q.state.addRef(1)
	return &WriteQuery{Buf: buf, Off: off, state: q.state}
}

// Hold acquires an extra, unattached reference; see ReadQuery.Hold.
func (q *WriteQuery) Hold() { q.state.addRef(1) }

// Complete fires this query's contribution to its shared completer.
func (q *WriteQuery) Complete(err error) { q.state.release(err) }

// FlushQuery carries no payload.
type FlushQuery struct {
	state *state
}

// NewFlushQuery creates a top-level flush query.
func NewFlushQuery(done Completer) *FlushQuery {
	return &FlushQuery{state: newState(1, done)}
}

// Sub creates a child flush query sharing this query's completion slot.
func (q *FlushQuery) Sub() *FlushQuery {
	q.state.addRef(1)
	return &FlushQuery{state: q.state}
}

// Hold acquires an extra, unattached reference; see ReadQuery.Hold.
func (q *FlushQuery) Hold() { q.state.addRef(1) }

// Complete fires this query's contribution to its shared completer.
func (q *FlushQuery) Complete(err error) { q.state.release(err) }

// DiscardQuery covers a byte range.
type DiscardQuery struct {
	Off   int64
	Len   int64
	state *state
}

// NewDiscardQuery creates a top-level discard query.
func NewDiscardQuery(off, length int64, done Completer) *DiscardQuery {
	return &DiscardQuery{Off: off, Len: length, state: newState(1, done)}
}

// Sub creates a child discard query sharing this query's completion slot.
func (q *DiscardQuery) Sub(off, length int64) *DiscardQuery {
	q.state.addRef(1)
	return &DiscardQuery{Off: off, Len: length, state: q.state}
}

// Hold acquires an extra, unattached reference; see ReadQuery.Hold.
func (q *DiscardQuery) Hold() { q.state.addRef(1) }

// Complete fires this query's contribution to its shared completer.
func (q *DiscardQuery) Complete(err error) { q.state.release(err) }

// Handler is the leaf handler contract: every layer of the target tree --
// leaf backend, cache, RAID dispatcher, target FSM -- submits queries
// asynchronously and signals completion by calling the query's Complete
// exactly once.
type Handler interface {
	SubmitRead(q *ReadQuery)
	SubmitWrite(q *WriteQuery)
	SubmitFlush(q *FlushQuery)
	SubmitDiscard(q *DiscardQuery)
}
