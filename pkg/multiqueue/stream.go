package multiqueue

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()[:8]
}

// Stream is one consumer's view of a Queue. Next must only be called from a
// single goroutine; Close, ResetTimeout and Duplicate may be called from any.
type Stream[T any] struct {
	ID string

	q      *Queue[T]
	filter func(T) bool
	cursor atomic.Pointer[node[T]]

	mu       sync.Mutex
	deadline time.Time
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Next blocks until the next matching value, the deadline, an owner Close or
// a queue Close. Values that entered the backlog before the deadline are
// still delivered after it, so a consumer that falls behind does not lose
// them. Once Next returns an error every later call returns the same error.
func (s *Stream[T]) Next() (T, error) {
	var zero T
	for {
		select {
		case <-s.done:
			return zero, ErrStreamClosed
		default:
		}
		if err := s.Err(); err != nil {
			return zero, err
		}
		select {
		case <-s.q.closed:
			return zero, s.end(ErrClosed)
		default:
		}
		cur := s.cursor.Load()
		if cur == nil {
			return zero, s.end(ErrStreamClosed)
		}
		deadline := s.Deadline()
		select {
		case <-cur.ready:
			n := cur.next
			if !deadline.IsZero() && n.at.After(deadline) {
				return zero, s.end(ErrTimeout)
			}
			if err := s.advance(n); err != nil {
				return zero, err
			}
			if s.filter != nil && !s.filter(n.val) {
				continue
			}
			return n.val, nil
		default:
		}

		if deadline.IsZero() {
			select {
			case <-cur.ready:
			case <-s.done:
			case <-s.q.closed:
			}
			continue
		}
		wait := s.q.clock.Until(deadline)
		if wait <= 0 {
			return zero, s.end(ErrTimeout)
		}
		t := s.q.clock.NewTimer(wait)
		select {
		case <-cur.ready:
		case <-t.C():
			// the deadline may have been extended meanwhile, loop re-checks
		case <-s.done:
		case <-s.q.closed:
		}
		t.Stop()
	}
}

// advance moves the cursor to n unless the stream ended meanwhile.
func (s *Stream[T]) advance(n *node[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cursor.Store(n)
	return nil
}

// All yields values until the stream ends. Err reports why it ended.
func (s *Stream[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next()
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Collect drains the stream until it ends and returns what it saw.
func (s *Stream[T]) Collect() []T {
	var out []T
	for v := range s.All() {
		out = append(out, v)
	}
	return out
}

// ResetTimeout moves the deadline to now+timeout if that is later than the
// current one. A stream whose deadline already passed ends with ErrTimeout
// instead. Streams opened with Follow have no deadline and stay that way.
func (s *Stream[T]) ResetTimeout(timeout time.Duration) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	case <-s.q.closed:
		return ErrClosed
	default:
	}
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.deadline.IsZero() {
		return nil
	}
	if d := s.q.clock.Now().Add(timeout); d.After(s.deadline) {
		s.deadline = d
	}
	return nil
}

// Deadline is zero for a stream without one.
func (s *Stream[T]) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// check returns why s can no longer be used, ending it first if its deadline
// has passed.
func (s *Stream[T]) check() error {
	s.mu.Lock()
	err := s.err
	expired := err == nil && !s.deadline.IsZero() && !s.q.clock.Now().Before(s.deadline)
	s.mu.Unlock()
	if expired {
		return s.end(ErrTimeout)
	}
	return err
}

// Err returns nil while the stream is live, otherwise ErrTimeout, ErrClosed
// or ErrStreamClosed.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the stream. It is idempotent and wakes a blocked Next.
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.end(ErrStreamClosed)
	})
}

// end records why the stream terminated. The first reason sticks.
func (s *Stream[T]) end(err error) error {
	s.mu.Lock()
	if s.err != nil {
		err = s.err
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.cursor.Store(nil)
	s.mu.Unlock()
	s.q.forget(s)
	return err
}
