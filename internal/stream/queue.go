// ABOUTME: Bounded per-session event queue with a single attached reader.
// ABOUTME: Never blocks the producer: when full, the oldest event is dropped.

package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 256

// ErrClosed is returned by Reader.Next once the queue is closed and drained,
// and by Attach on a closed queue.
var ErrClosed = errors.New("stream closed")

// ErrReaderAttached indicates another reader is already consuming the queue.
var ErrReaderAttached = errors.New("stream already has a reader")

// Queue buffers events for one session. Producers call Push; one Reader at a
// time consumes them in emission order.
type Queue struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	nextSeq  uint64
	dropped  uint64
	attached bool
	closed   bool

	wake   chan struct{} // capacity 1, signalled on every push
	done   chan struct{} // closed exactly once by Close
	onDrop func(Event)
}

// NewQueue creates a queue holding at most capacity undelivered events.
// onDrop, if non-nil, is called (outside the lock) for every evicted event.
func NewQueue(capacity int, onDrop func(Event)) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

// Push appends an event and returns it with its sequence number assigned.
// It returns false if the queue is closed.
func (q *Queue) Push(typ EventType, data any) (Event, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Event{}, false
	}

	q.nextSeq++
	ev := Event{Seq: q.nextSeq, Type: typ, Data: data, Time: time.Now()}

	var evicted *Event
	if len(q.events) >= q.capacity {
		old := q.events[0]
		q.events = append(q.events[:0], q.events[1:]...)
		q.dropped++
		evicted = &old
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if evicted != nil && q.onDrop != nil {
		q.onDrop(*evicted)
	}
	return ev, true
}

// Attach claims the queue for a single reader.
func (q *Queue) Attach() (*Reader, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.attached {
		return nil, ErrReaderAttached
	}
	q.attached = true
	return &Reader{q: q}, nil
}

// Close marks the queue closed and wakes any blocked reader. Buffered events
// can still be drained. Returns false if the queue was already closed.
func (q *Queue) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	close(q.done)
	return true
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns how many events were evicted because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Attached reports whether a reader currently holds the queue.
func (q *Queue) Attached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attached
}

func (q *Queue) pop() (Event, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) > 0 {
		ev := q.events[0]
		q.events = append(q.events[:0], q.events[1:]...)
		return ev, true, q.closed
	}
	return Event{}, false, q.closed
}

// Reader is the single consumer of a Queue.
type Reader struct {
	q    *Queue
	once sync.Once
}

// Next blocks until an event is available, the queue is closed and drained
// (ErrClosed), or ctx is done.
func (r *Reader) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, closed := r.q.pop()
		if ok {
			return ev, nil
		}
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-r.q.wake:
		case <-r.q.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the reader so another one may attach.
func (r *Reader) Close() {
	r.once.Do(func() {
		r.q.mu.Lock()
		r.q.attached = false
		r.q.mu.Unlock()
	})
}
