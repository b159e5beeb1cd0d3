// Package fsm wraps a target's dispatcher tree in the online/offline state
// machine that gates all I/O to it: any leaf error surfacing through a
// completer flips the target to offline for good, and every request after
// that fails fast with EIO instead of touching a single leaf.
package fsm

import (
	"syscall"

	"github.com/behrlich/ublkd/query"
)

type state int

const (
	online state = iota
	offline
)

// event is one of the four inputs the machine reacts to. rq/wq arrive when
// a read or write is submitted; fail is raised by a completer that
// observed a downstream error; coherenceQuery asks whether a stripe's
// parity is currently trustworthy.
type event int

const (
	eventRQ event = iota
	eventWQ
	eventFail
	eventCoherenceQuery
)

// CoherenceChecker is satisfied by a RAID-SP acceptor: Coherent reports
// whether a given stripe's parity can be trusted without a rebuild. A
// target with no acceptor underneath it (RAID0, RAID1, a bare leaf) has
// no notion of stripe coherence and should pass nil.
type CoherenceChecker interface {
	Coherent(stripeID int64) bool
}

// Target wraps a dispatcher with the online/offline state machine. Once
// offline, it stays offline until the process restarts: there is no
// recovery path, by design (see the engine's non-goals around degraded
// arrays).
type Target struct {
	st       state
	next     query.Handler
	coherent CoherenceChecker

	processing bool
	queue      []func()
}

// New wraps next in the state machine. coherent may be nil if next has no
// notion of parity coherence.
func New(next query.Handler, coherent CoherenceChecker) *Target {
	return &Target{st: online, next: next, coherent: coherent}
}

// Online reports whether the target currently accepts I/O.
func (t *Target) Online() bool { return t.st == online }

// dispatch runs fn now if nothing else is currently dispatching, or
// enqueues it otherwise. This is what makes the machine process-queued:
// an event raised from inside a completer (e.g. fail, raised while a
// read's completer is still running) waits for the current event to
// finish before it's handled, rather than re-entering the machine mid-step.
func (t *Target) dispatch(fn func()) {
	if t.processing {
		t.queue = append(t.queue, fn)
		return
	}
	t.processing = true
	fn()
	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		next()
	}
	t.processing = false
}

func (t *Target) raiseFail() {
	t.dispatch(func() { t.st = offline })
}

// SubmitRead implements query.Handler.
func (t *Target) SubmitRead(q *query.ReadQuery) {
	t.dispatch(func() {
		if t.st == offline {
			q.Complete(syscall.EIO)
			return
		}
		t.next.SubmitRead(query.NewReadQuery(q.Buf, q.Off, func(err error) {
			if err != nil {
				t.raiseFail()
			}
			q.Complete(err)
		}))
	})
}

// SubmitWrite implements query.Handler.
func (t *Target) SubmitWrite(q *query.WriteQuery) {
	t.dispatch(func() {
		if t.st == offline {
			q.Complete(syscall.EIO)
			return
		}
		t.next.SubmitWrite(query.NewWriteQuery(q.Buf, q.Off, func(err error) {
			if err != nil {
				t.raiseFail()
			}
			q.Complete(err)
		}))
	})
}

// SubmitFlush implements query.Handler.
func (t *Target) SubmitFlush(q *query.FlushQuery) {
	t.dispatch(func() {
		if t.st == offline {
			q.Complete(syscall.EIO)
			return
		}
		t.next.SubmitFlush(q)
	})
}

// SubmitDiscard implements query.Handler.
func (t *Target) SubmitDiscard(q *query.DiscardQuery) {
	t.dispatch(func() {
		if t.st == offline {
			q.Complete(syscall.EIO)
			return
		}
		t.next.SubmitDiscard(q)
	})
}

// Coherent answers a stripe_coherence_query event: offline targets report
// every stripe incoherent, online targets delegate to the acceptor
// underneath (or report coherent if there is none, since a plain RAID0/1
// target has no stripes to lose coherence on).
func (t *Target) Coherent(stripeID int64) bool {
	if t.st == offline {
		return false
	}
	if t.coherent == nil {
		return true
	}
	return t.coherent.Coherent(stripeID)
}
