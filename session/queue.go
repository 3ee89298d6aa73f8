package session

import (
	"sync"

	"github.com/tfkr-ae/snag/domain"
)

// Queue is a bounded FIFO of records waiting to be written.
//
// Enqueue never blocks. When the queue is full the oldest frozen record is dropped, or
// the oldest record when none is frozen. The record handed out by Next stays in flight
// until Ack and is never dropped by Enqueue.
type Queue struct {
	mu       sync.Mutex
	items    []*domain.CaptureRecord
	capacity int
	inflight *domain.CaptureRecord
	dropped  uint64
	closed   bool
	ready    chan struct{}
}

// NewQueue creates a queue holding at most capacity records besides the in-flight one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*domain.CaptureRecord, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue adds record to the tail. It returns false when the queue is closed.
func (q *Queue) Enqueue(record *domain.CaptureRecord) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		q.dropOldest()
	}
	q.items = append(q.items, record)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// dropOldest removes one record. Callers hold q.mu.
func (q *Queue) dropOldest() {
	victim := 0
	for i, item := range q.items {
		if item.Frozen() {
			victim = i
			break
		}
	}
	copy(q.items[victim:], q.items[victim+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	q.dropped++
}

// Next returns the record to write. A record left in flight by a failed write is
// returned again before anything else.
func (q *Queue) Next() (*domain.CaptureRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight != nil {
		return q.inflight, true
	}
	if len(q.items) == 0 {
		return nil, false
	}
	q.inflight = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return q.inflight, true
}

// Ack marks the in-flight record as written.
func (q *Queue) Ack() {
	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()
}

// Ready is signalled after Enqueue. A single signal may stand for several records.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of unsent records, counting the in-flight one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.inflight != nil {
		n++
	}
	return n
}

// Dropped returns how many records were discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards every unsent record, including the in-flight one, and returns the count.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if q.inflight != nil {
		n++
		q.inflight = nil
	}
	clear(q.items)
	q.items = q.items[:0]
	q.dropped += uint64(n)
	return n
}

// Close makes later Enqueue calls fail. Records already queued stay until drained or cleared.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
