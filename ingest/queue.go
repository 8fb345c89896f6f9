// Package ingest is the boundary between bus delivery and the recording
// loop: an unbounded queue that never blocks producers, and a monitor that
// turns sustained queue depth into a fatal condition.
package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"
)

// Queue errors
var (
	ErrTimeout = errors.New("dequeue timed out")
	ErrClosed  = errors.New("queue closed")
)

// Entry is one message received from the bus.
type Entry struct {
	ReceivedAt time.Time
	Key        string
	Data       []byte
}

// Queue is an unbounded multi-producer single-consumer queue.
type Queue struct {
	mu       sync.RWMutex
	closed   bool
	ch       *channels.InfiniteChannel
	enqueued atomic.Uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ch: channels.NewInfiniteChannel()}
}

// Enqueue adds an entry. It is safe for concurrent use, performs no I/O
// and only waits for the queue's internal buffer goroutine. It returns
// false once the queue is closed.
func (q *Queue) Enqueue(receivedAt time.Time, key string, data []byte) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.ch.In() <- Entry{ReceivedAt: receivedAt, Key: key, Data: data}
	q.enqueued.Add(1)
	return true
}

// Dequeue waits up to timeout for the next entry. It returns ErrTimeout
// when nothing arrived and ErrClosed once the queue is closed and drained.
func (q *Queue) Dequeue(timeout time.Duration) (Entry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-q.ch.Out():
		if !ok {
			return Entry{}, ErrClosed
		}
		return v.(Entry), nil
	case <-timer.C:
		return Entry{}, ErrTimeout
	}
}

// Len returns the number of buffered entries.
func (q *Queue) Len() int {
	return q.ch.Len()
}

// Enqueued returns the number of entries ever accepted.
func (q *Queue) Enqueued() uint64 {
	return q.enqueued.Load()
}

// Close stops accepting entries. Buffered entries remain available to
// Dequeue. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ch.Close()
}
