// Package multiqueue fans a single ordered feed out to any number of
// independent, deadline bounded streams.
//
// Every value handed to Add is appended to one backlog. A Stream keeps its own
// cursor into that backlog, so overlapping streams each observe the same
// values in the same order without copying and without the producer ever
// blocking on a slow consumer. The backlog is a singly linked list that is
// only reachable from live cursors: once every live stream has moved past a
// value it becomes garbage. There is no fixed ring size to tune; memory is
// bounded by the oldest cursor of a live stream, so callers must Close
// streams they abandon before their deadline.
package multiqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/roffe/j1939/pkg/clock"
)

var (
	// ErrTimeout ends a stream whose deadline passed.
	ErrTimeout = errors.New("multiqueue: stream deadline exceeded")
	// ErrClosed ends every stream of a closed queue.
	ErrClosed = errors.New("multiqueue: queue closed")
	// ErrStreamClosed is returned when a stream is used after its owner closed it.
	ErrStreamClosed = errors.New("multiqueue: use of closed stream")
)

type node[T any] struct {
	val T
	at  time.Time
	// next is written once, before ready is closed.
	next  *node[T]
	ready chan struct{}
}

func newNode[T any]() *node[T] {
	return &node[T]{ready: make(chan struct{})}
}

// Queue is safe for one producer and any number of concurrent stream owners.
type Queue[T any] struct {
	clock clock.Clock

	mu      sync.Mutex
	tail    *node[T]
	added   uint64
	streams map[*Stream[T]]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns an empty queue. A nil clock selects clock.Real.
func New[T any](c clock.Clock) *Queue[T] {
	return &Queue[T]{
		clock:   clock.Or(c),
		tail:    newNode[T](),
		streams: make(map[*Stream[T]]struct{}),
		closed:  make(chan struct{}),
	}
}

// Add appends v to the backlog. It never blocks on consumers and is a no-op
// once the queue is closed.
func (q *Queue[T]) Add(v T) {
	n := newNode[T]()
	n.val = v
	n.at = q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
		return
	default:
	}
	q.tail.next = n
	close(q.tail.ready)
	q.tail = n
	q.added++
}

// Stream opens a stream that observes every value added from now on until
// timeout elapses. A nil filter accepts everything.
func (q *Queue[T]) Stream(timeout time.Duration, filter func(T) bool) (*Stream[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}
	return q.newStream(q.tail, q.clock.Now().Add(timeout), filter), nil
}

// Follow opens a stream like Stream but without a deadline. It only ends when
// its owner closes it or the queue closes.
func (q *Queue[T]) Follow(filter func(T) bool) (*Stream[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}
	return q.newStream(q.tail, time.Time{}, filter), nil
}

// Duplicate opens a second stream positioned at s's current cursor with the
// same filter. Values s already consumed are not replayed; from here on the
// two streams advance independently. An ended stream, including one whose
// deadline passed, cannot be duplicated.
func (q *Queue[T]) Duplicate(s *Stream[T], timeout time.Duration) (*Stream[T], error) {
	if s.q != q {
		return nil, errors.New("multiqueue: stream belongs to another queue")
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}
	cur := s.cursor.Load()
	if cur == nil {
		return nil, s.Err()
	}
	return q.newStream(cur, q.clock.Now().Add(timeout), s.filter), nil
}

// ResetTimeout extends the deadline of s to now+timeout. A deadline is never
// shortened and the cursor is left untouched.
func (q *Queue[T]) ResetTimeout(s *Stream[T], timeout time.Duration) error {
	return s.ResetTimeout(timeout)
}

// newStream must be called with q.mu held. A zero deadline means none.
func (q *Queue[T]) newStream(cursor *node[T], deadline time.Time, filter func(T) bool) *Stream[T] {
	s := &Stream[T]{
		ID:       newID(),
		q:        q,
		filter:   filter,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	s.cursor.Store(cursor)
	q.streams[s] = struct{}{}
	return s
}

func (q *Queue[T]) forget(s *Stream[T]) {
	q.mu.Lock()
	delete(q.streams, s)
	q.mu.Unlock()
}

// Close terminates every stream with ErrClosed. It is idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.closed)
		open := make([]*Stream[T], 0, len(q.streams))
		for s := range q.streams {
			open = append(open, s)
		}
		q.mu.Unlock()
		for _, s := range open {
			s.end(ErrClosed)
		}
	})
}

// Closed is closed once Close has been called.
func (q *Queue[T]) Closed() <-chan struct{} {
	return q.closed
}

// Len returns the number of values added over the lifetime of the queue.
func (q *Queue[T]) Len() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.added
}

// Streams returns the number of streams that have not terminated yet.
func (q *Queue[T]) Streams() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.streams)
}
