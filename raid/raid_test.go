package raid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/ublkd/query"
)

type opRecord struct {
	off int64
	len int
}

// fakeLeaf is a query.Handler backed by an in-memory byte slice, used
// across raid tests to check exact op sequences and serialization. When
// deferCompletion is set, writes are held for the test to release
// explicitly via completeNextWrite, to probe what's in flight.
type fakeLeaf struct {
	data            []byte
	deferCompletion bool

	reads  []opRecord
	writes []opRecord

	pendingWrites []func()
}

func newFakeLeaf(size int) *fakeLeaf {
	return &fakeLeaf{data: make([]byte, size)}
}

func seedLeaf(leaf *fakeLeaf, fill byte) {
	for i := range leaf.data {
		leaf.data[i] = fill
	}
}

func (f *fakeLeaf) SubmitRead(q *query.ReadQuery) {
	f.reads = append(f.reads, opRecord{off: q.Off, len: len(q.Buf)})
	copy(q.Buf, f.data[q.Off:q.Off+int64(len(q.Buf))])
	q.Complete(nil)
}

func (f *fakeLeaf) SubmitWrite(q *query.WriteQuery) {
	f.writes = append(f.writes, opRecord{off: q.Off, len: len(q.Buf)})
	complete := func() {
		copy(f.data[q.Off:q.Off+int64(len(q.Buf))], q.Buf)
		q.Complete(nil)
	}
	if f.deferCompletion {
		f.pendingWrites = append(f.pendingWrites, complete)
		return
	}
	complete()
}

func (f *fakeLeaf) SubmitFlush(q *query.FlushQuery) { q.Complete(nil) }

func (f *fakeLeaf) SubmitDiscard(q *query.DiscardQuery) { q.Complete(nil) }

func (f *fakeLeaf) completeNextWrite() {
	fn := f.pendingWrites[0]
	f.pendingWrites = f.pendingWrites[1:]
	fn()
}

func doRead(t *testing.T, h query.Handler, off int64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	var gotErr error
	doneCount := 0
	q := query.NewReadQuery(buf, off, func(err error) { gotErr = err; doneCount++ })
	h.SubmitRead(q)
	require.Equal(t, 1, doneCount, "completer must fire exactly once")
	require.NoError(t, gotErr)
	return buf
}

func doWrite(t *testing.T, h query.Handler, off int64, data []byte) error {
	t.Helper()
	var gotErr error
	doneCount := 0
	q := query.NewWriteQuery(data, off, func(err error) { gotErr = err; doneCount++ })
	h.SubmitWrite(q)
	require.Equal(t, 1, doneCount, "completer must fire exactly once")
	return gotErr
}

// 2 leaves, 4KiB strip, 16KiB read at offset 0 stripes evenly across both.
func TestRAID0LayoutSplitsAcrossLeaves(t *testing.T) {
	const strip = 4096
	leaf0 := newFakeLeaf(64 * 1024)
	leaf1 := newFakeLeaf(64 * 1024)
	seedLeaf(leaf0, 0xAA)
	seedLeaf(leaf1, 0xBB)
	r := NewRAID0(strip, []query.Handler{leaf0, leaf1})

	got := doRead(t, r, 0, 16*1024)
	require.Len(t, got, 16*1024)

	require.Len(t, leaf0.reads, 2)
	require.Len(t, leaf1.reads, 2)
	assert.Equal(t, int64(0), leaf0.reads[0].off)
	assert.Equal(t, strip, leaf0.reads[0].len)
	assert.Equal(t, int64(0), leaf1.reads[0].off)
	assert.Equal(t, int64(strip), leaf0.reads[1].off)
	assert.Equal(t, int64(strip), leaf1.reads[1].off)

	for i := 0; i < strip; i++ {
		assert.Equal(t, byte(0xAA), got[i])
		assert.Equal(t, byte(0xBB), got[strip+i])
	}
}

func TestRAID0WriteErrorPropagates(t *testing.T) {
	failing := &errorLeaf{err: assertErr}
	ok := newFakeLeaf(4096)
	r := NewRAID0(1024, []query.Handler{ok, failing})

	err := doWrite(t, r, 0, make([]byte, 2048))
	assert.ErrorIs(t, err, assertErr)
}

// 2 leaves, 4KiB read-strip, 16KiB read: cursor alternates across mirrors
// and ends back at leaf 0 since the request is an even number of strips.
func TestRAID1ReadAlternatesAcrossMirrors(t *testing.T) {
	const stripSz = 4096
	m0 := newFakeLeaf(64 * 1024)
	m1 := newFakeLeaf(64 * 1024)
	seedLeaf(m0, 1)
	seedLeaf(m1, 1)
	r := NewRAID1(stripSz, []query.Handler{m0, m1})

	doRead(t, r, 0, 16*1024)

	require.Len(t, m0.reads, 2)
	require.Len(t, m1.reads, 2)
	assert.Equal(t, 0, r.next, "cursor should wrap back to leaf 0 after an even number of strips")
}

func TestRAID1WriteGoesToEveryMirror(t *testing.T) {
	m0 := newFakeLeaf(4096)
	m1 := newFakeLeaf(4096)
	r := NewRAID1(4096, []query.Handler{m0, m1})

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, doWrite(t, r, 0, payload))

	require.Len(t, m0.writes, 1)
	require.Len(t, m1.writes, 1)
	assert.Equal(t, payload, m0.data[:4])
	assert.Equal(t, payload, m1.data[:4])
}

func TestRAID1WriteFailsIfAnyMirrorFails(t *testing.T) {
	ok := newFakeLeaf(4096)
	bad := &errorLeaf{err: assertErr}
	r := NewRAID1(4096, []query.Handler{ok, bad})

	err := doWrite(t, r, 0, []byte{1})
	assert.ErrorIs(t, err, assertErr)
}

// 3 leaves, N=2 data, 512B strip: a coherent stripe gets a 256-byte write
// at offset 128, which should trigger the incremental (read-old,
// XOR-delta) path: one data read, one parity read, one data write, one
// parity write.
func TestRAID5IncrementalWriteReadsOldDataAndParity(t *testing.T) {
	const stripSz = 512
	d0 := newFakeLeaf(64 * 1024)
	d1 := newFakeLeaf(64 * 1024)
	p := newFakeLeaf(64 * 1024)
	seedLeaf(d0, 0x11)
	seedLeaf(d1, 0x22)
	seedLeaf(p, 0x11^0x22)

	r, err := NewRAID5(stripSz, []query.Handler{d0, d1, p})
	require.NoError(t, err)
	r.coherent.Set(0)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, doWrite(t, r, 128, payload))

	require.Len(t, d0.reads, 1, "incremental write reads the old data it's about to overwrite")
	require.Len(t, p.reads, 1, "incremental write reads the old parity strip")
	require.Len(t, d0.writes, 1)
	require.Len(t, p.writes, 1)
	assert.Empty(t, d1.reads)
	assert.Empty(t, d1.writes)
}

// A full-stripe write (stripeDataSz bytes at a stripe boundary) never
// reads back existing data: it recomputes parity directly from the new
// payload.
func TestRAID4FullStripeWriteSkipsReads(t *testing.T) {
	const stripSz = 512
	d0 := newFakeLeaf(64 * 1024)
	d1 := newFakeLeaf(64 * 1024)
	p := newFakeLeaf(64 * 1024)

	r, err := NewRAID4(stripSz, []query.Handler{d0, d1, p})
	require.NoError(t, err)

	payload := make([]byte, stripSz*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, doWrite(t, r, 0, payload))

	assert.Empty(t, d0.reads)
	assert.Empty(t, d1.reads)
	assert.Empty(t, p.reads)
	require.Len(t, d0.writes, 1)
	require.Len(t, d1.writes, 1)
	require.Len(t, p.writes, 1)

	expectedParity := make([]byte, stripSz)
	for i := 0; i < stripSz; i++ {
		expectedParity[i] = payload[i] ^ payload[stripSz+i]
	}
	assert.Equal(t, expectedParity, p.data[:stripSz])
}

// An incoherent stripe (never written, or left incoherent by a prior
// error) takes the from-scratch path: every data strip gets read back
// before parity is rebuilt.
func TestRAID5FromScratchWriteReadsAllDataStrips(t *testing.T) {
	const stripSz = 512
	d0 := newFakeLeaf(64 * 1024)
	d1 := newFakeLeaf(64 * 1024)
	p := newFakeLeaf(64 * 1024)
	seedLeaf(d0, 0x33)
	seedLeaf(d1, 0x44)

	r, err := NewRAID5(stripSz, []query.Handler{d0, d1, p})
	require.NoError(t, err)

	require.NoError(t, doWrite(t, r, 10, []byte{1, 2, 3}))

	assert.Len(t, d0.reads, 1)
	assert.Len(t, d1.reads, 1)
	assert.Empty(t, p.reads, "from-scratch rebuild recomputes parity rather than reading the old value")
}

// Two writes to the same stripe must serialize: the second's leaf
// submissions begin only after the first's completer has run.
func TestRAID4StripeWritesSerialize(t *testing.T) {
	const stripSz = 512
	d0 := newFakeLeaf(64 * 1024)
	d1 := newFakeLeaf(64 * 1024)
	p := newFakeLeaf(64 * 1024)
	d0.deferCompletion = true
	d1.deferCompletion = true
	p.deferCompletion = true

	r, err := NewRAID4(stripSz, []query.Handler{d0, d1, p})
	require.NoError(t, err)

	full := make([]byte, stripSz*2)
	var done1, done2 bool
	r.SubmitWrite(query.NewWriteQuery(full, 0, func(error) { done1 = true }))
	r.SubmitWrite(query.NewWriteQuery([]byte{9}, 5, func(error) { done2 = true }))

	require.Len(t, p.writes, 1, "second write to the same stripe must not reach parity until the first completes")
	assert.False(t, done1)
	assert.False(t, done2)

	for len(d0.pendingWrites) > 0 || len(d1.pendingWrites) > 0 || len(p.pendingWrites) > 0 {
		if len(d0.pendingWrites) > 0 {
			d0.completeNextWrite()
		}
		if len(d1.pendingWrites) > 0 {
			d1.completeNextWrite()
		}
		if len(p.pendingWrites) > 0 {
			p.completeNextWrite()
		}
	}

	assert.True(t, done1)
	assert.True(t, done2)
}

type errorLeaf struct{ err error }

func (e *errorLeaf) SubmitRead(q *query.ReadQuery)       { q.Complete(e.err) }
func (e *errorLeaf) SubmitWrite(q *query.WriteQuery)     { q.Complete(e.err) }
func (e *errorLeaf) SubmitFlush(q *query.FlushQuery)     { q.Complete(e.err) }
func (e *errorLeaf) SubmitDiscard(q *query.DiscardQuery) { q.Complete(e.err) }

var assertErr = &sentinelErr{"boom"}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }
