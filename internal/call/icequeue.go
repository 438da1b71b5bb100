package call

import "teleconsult/native/internal/domain"

// iceQueue holds remote candidates that arrived before the remote
// description was set. The zero value is ready to use.
type iceQueue struct {
	items []domain.ICECandidatePayload
}

func (q *iceQueue) push(c domain.ICECandidatePayload) {
	q.items = append(q.items, c)
}

// drain returns the queued candidates in arrival order and empties the queue.
func (q *iceQueue) drain() []domain.ICECandidatePayload {
	out := q.items
	q.items = nil
	return out
}

func (q *iceQueue) len() int {
	return len(q.items)
}
