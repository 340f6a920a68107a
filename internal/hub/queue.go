package hub

import "sync"

// DefaultQueueCapacity bounds the undeliverable message queue.
const DefaultQueueCapacity = 1000

// messageQueue is a bounded FIFO. Redelivery failures go back to the
// tail so one poisoned message cannot starve the rest.
type messageQueue struct {
	mu    sync.Mutex
	items []*Message
	max   int
}

func newMessageQueue(max int) *messageQueue {
	if max <= 0 {
		max = DefaultQueueCapacity
	}
	return &messageQueue{max: max}
}

func (q *messageQueue) Enqueue(m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	return nil
}

func (q *messageQueue) Dequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
