package query

import (
	"syscall"

	"github.com/behrlich/ublkd/internal/interfaces"
)

// backendHandler adapts a synchronous interfaces.Backend (the simple
// ReadAt/WriteAt/Flush leaf contract) into the asynchronous Handler
// contract. Completion happens inline, before Submit* returns -- a
// synchronous call is a valid implementation of the leaf handler's
// "complete exactly once" contract, and matches the single-threaded,
// inline-completer execution model the rest of the engine uses.
type backendHandler struct {
	b interfaces.Backend
}

// Adapt wraps a Backend so it can sit anywhere a Handler is expected.
func Adapt(b interfaces.Backend) Handler {
	return &backendHandler{b: b}
}

func (h *backendHandler) SubmitRead(q *ReadQuery) {
	_, err := h.b.ReadAt(q.Buf, q.Off)
	q.Complete(err)
}

func (h *backendHandler) SubmitWrite(q *WriteQuery) {
	_, err := h.b.WriteAt(q.Buf, q.Off)
	q.Complete(err)
}

func (h *backendHandler) SubmitFlush(q *FlushQuery) {
	q.Complete(h.b.Flush())
}

func (h *backendHandler) SubmitDiscard(q *DiscardQuery) {
	if d, ok := h.b.(interfaces.DiscardBackend); ok {
		q.Complete(d.Discard(q.Off, q.Len))
		return
	}
	q.Complete(syscall.ENOTSUP)
}
