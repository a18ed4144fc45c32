package call

import "encoding/json"

// CandidateQueue buffers connectivity candidates that arrive before a
// participant's media session is ready to consume them.
type CandidateQueue struct {
	byParticipant map[string][]json.RawMessage
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{
		byParticipant: make(map[string][]json.RawMessage),
	}
}

// Enqueue appends one candidate to the participant's buffer, preserving
// arrival order.
func (q *CandidateQueue) Enqueue(participantID string, candidate json.RawMessage) {
	q.byParticipant[participantID] = append(q.byParticipant[participantID], candidate)
}

// DrainTo delivers all buffered candidates for the participant to sink in
// arrival order and clears the buffer. Draining an empty buffer is a no-op.
// Every candidate is offered to sink even if an earlier one failed; the
// first error is returned.
func (q *CandidateQueue) DrainTo(participantID string, sink func(candidate json.RawMessage) error) error {
	buffered := q.byParticipant[participantID]
	delete(q.byParticipant, participantID)

	var firstErr error
	for _, cand := range buffered {
		if err := sink(cand); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clear discards the participant's buffer without delivering it.
func (q *CandidateQueue) Clear(participantID string) {
	delete(q.byParticipant, participantID)
}

func (q *CandidateQueue) Len(participantID string) int {
	return len(q.byParticipant[participantID])
}
