package raid

import "github.com/behrlich/ublkd/query"

// FanFlush forwards a flush to every leaf, sharing q's reference-counted
// completion slot so it fires exactly once after all of them finish.
func FanFlush(leaves []query.Handler, q *query.FlushQuery) {
	if len(leaves) == 0 {
		q.Complete(nil)
		return
	}
	q.Hold()
	for i, leaf := range leaves {
		sub := q
		if i > 0 {
			sub = q.Sub()
		}
		leaf.SubmitFlush(sub)
	}
	q.Complete(nil)
}
