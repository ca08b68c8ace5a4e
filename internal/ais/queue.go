package ais

import "sync"

// Queue is a fixed-capacity ring buffer of normalized messages. When full,
// Enqueue evicts the oldest element: fresh positions are worth more than
// stale ones. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	buf   []Message
	head  int
	count int
}

// NewQueue creates a Queue with the given capacity. capacity ≤ 0 defaults
// to 5000.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Queue{buf: make([]Message, capacity)}
}

// Enqueue appends m, evicting the oldest element when the ring is full.
// It reports whether an eviction happened.
func (q *Queue) Enqueue(m Message) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		// Overwrite the head slot: the oldest message is gone.
		q.buf[q.head] = m
		q.head = (q.head + 1) % len(q.buf)
		return true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = m
	q.count++
	return false
}

// DequeueBatch removes and returns up to n messages, oldest first.
// It returns nil when the queue is empty or n ≤ 0.
func (q *Queue) DequeueBatch(n int) []Message {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	if n > q.count {
		n = q.count
	}
	batch := make([]Message, n)
	for i := 0; i < n; i++ {
		batch[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = (q.head + n) % len(q.buf)
	q.count -= n
	return batch
}

// RequeueFront pushes batch back to the head of the queue in order, so a
// drainer that hit a transient persistence error retries the same messages
// first on its next pass. Elements that no longer fit (the ring filled up
// behind them) are discarded oldest-first; the count of discards is
// returned.
func (q *Queue) RequeueFront(batch []Message) (discarded int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		if q.count == len(q.buf) {
			discarded = i + 1
			break
		}
		q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
		q.buf[q.head] = batch[i]
		q.count++
	}
	return discarded
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity of the ring.
func (q *Queue) Cap() int { return len(q.buf) }
