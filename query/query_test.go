package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFanOutCompletesExactlyOnceWithInlineLeaves reproduces the shape every
// fan-out submitter uses: a Hold before any piece is split off and
// submitted, a Sub per extra piece, and every piece completing inline
// (as a synchronous leaf would) before the next piece is even created.
// Without the Hold, the first piece's inline Complete would drop pending
// to zero and fire done before the second and third pieces ever got their
// own reference.
func TestFanOutCompletesExactlyOnceWithInlineLeaves(t *testing.T) {
	doneCount := 0
	var gotErr error
	q := NewReadQuery(make([]byte, 3), 0, func(err error) { gotErr = err; doneCount++ })

	q.Hold()
	// Piece 0 uses q itself and completes inline immediately.
	q.Complete(nil)
	// Piece 1 is split off only now -- after piece 0 already "finished".
	sub1 := q.Sub(nil, 1)
	sub1.Complete(nil)
	sub2 := q.Sub(nil, 2)
	sub2.Complete(nil)
	q.Complete(nil) // release the guard

	require.Equal(t, 1, doneCount, "completer must fire exactly once regardless of inline completion order")
	require.NoError(t, gotErr)
}

func TestFanOutLatchesFirstError(t *testing.T) {
	doneCount := 0
	var gotErr error
	q := NewWriteQuery(make([]byte, 2), 0, func(err error) { gotErr = err; doneCount++ })

	errA := errors.New("leaf a failed")
	errB := errors.New("leaf b failed")

	q.Hold()
	sub := q.Sub(nil, 1)
	q.Complete(errA)
	sub.Complete(errB)
	q.Complete(nil)

	require.Equal(t, 1, doneCount)
	require.Equal(t, errA, gotErr)
}

func TestSubWithoutHoldStillFiresOnce(t *testing.T) {
	doneCount := 0
	q := NewDiscardQuery(0, 10, func(error) { doneCount++ })
	sub := q.Sub(5, 5)
	q.Complete(nil)
	sub.Complete(nil)
	require.Equal(t, 1, doneCount)
}

func TestFlushSubSharesCompletionSlot(t *testing.T) {
	doneCount := 0
	q := NewFlushQuery(func(error) { doneCount++ })
	q.Hold()
	sub := q.Sub()
	q.Complete(nil)
	sub.Complete(nil)
	q.Complete(nil)
	require.Equal(t, 1, doneCount)
}
