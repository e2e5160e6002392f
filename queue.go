package pollsocket

import "github.com/eapache/queue"

// sendQueue holds outbound text frames in the order they were queued.
// It is not safe for concurrent use; the context lock guards it.
type sendQueue struct {
	q     *queue.Queue
	limit int
}

// newSendQueue returns a queue bounded to limit items, or unbounded when
// limit is zero or negative.
func newSendQueue(limit int) *sendQueue {
	return &sendQueue{q: queue.New(), limit: limit}
}

func (s *sendQueue) push(text string) error {
	if s.limit > 0 && s.q.Length() >= s.limit {
		return ErrQueueFull
	}
	s.q.Add(text)
	return nil
}

func (s *sendQueue) len() int {
	return s.q.Length()
}

// drain hands items to fn front to back. An item is removed only when fn
// accepts it; the first error stops the drain and is returned.
func (s *sendQueue) drain(fn func(text string) error) error {
	for s.q.Length() > 0 {
		text := s.q.Peek().(string)
		if err := fn(text); err != nil {
			return err
		}
		s.q.Remove()
	}
	return nil
}
