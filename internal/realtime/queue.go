package realtime

import (
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the offline send buffer.
const DefaultQueueCapacity = 100

// Entry is one buffered outbound frame.
type Entry struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of outbound frames buffered while the socket is
// down. Overflow drops the oldest entry, never the newest.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []Entry
}

// NewQueue creates a queue with the given capacity (DefaultQueueCapacity
// when <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends a frame, dropping the oldest entry when full. Reports
// whether an entry was dropped.
func (q *Queue) Enqueue(payload []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, Entry{Payload: payload, EnqueuedAt: time.Now()})
	return dropped
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every buffered frame.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Flush sends buffered frames in order. On a send failure the failed entry
// returns to the front of the queue, everything behind it stays put, and
// flushing stops; a later flush resumes from the same point.
func (q *Queue) Flush(send func([]byte) error) (sent int, err error) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		entry := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := send(entry.Payload); err != nil {
			q.mu.Lock()
			q.items = append([]Entry{entry}, q.items...)
			q.mu.Unlock()
			return sent, err
		}
		sent++
	}
}
