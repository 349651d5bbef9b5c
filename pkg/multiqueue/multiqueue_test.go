package multiqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roffe/j1939/pkg/clock"
)

func next(t *testing.T, s *Stream[int]) int {
	t.Helper()
	v, err := s.Next()
	require.NoError(t, err)
	return v
}

func TestQueue_StreamsPreserveOrder(t *testing.T) {
	q := New[int](nil)
	all, err := q.Stream(time.Second, nil)
	require.NoError(t, err)
	even, err := q.Stream(time.Second, func(v int) bool { return v%2 == 0 })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		q.Add(i)
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, i, next(t, all))
	}
	for i := 0; i < 10; i += 2 {
		assert.Equal(t, i, next(t, even))
	}
	assert.Equal(t, uint64(10), q.Len())
}

func TestQueue_StreamStartsAtTail(t *testing.T) {
	q := New[int](nil)
	q.Add(1)
	s, err := q.Stream(time.Second, nil)
	require.NoError(t, err)
	q.Add(2)
	assert.Equal(t, 2, next(t, s))
}

func TestQueue_ConcurrentConsumers(t *testing.T) {
	const n = 1000
	q := New[int](nil)
	var streams []*Stream[int]
	for i := 0; i < 5; i++ {
		s, err := q.Stream(5*time.Second, nil)
		require.NoError(t, err)
		streams = append(streams, s)
	}

	var wg sync.WaitGroup
	results := make([][]int, len(streams))
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s *Stream[int]) {
			defer wg.Done()
			defer s.Close()
			for len(results[i]) < n {
				v, err := s.Next()
				if err != nil {
					return
				}
				results[i] = append(results[i], v)
			}
		}(i, s)
	}
	for i := 0; i < n; i++ {
		q.Add(i)
	}
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, n)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	}
	assert.Equal(t, 0, q.Streams())
}

func TestQueue_DuplicateStartsAtCursor(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(time.Second, nil)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		q.Add(i)
	}
	assert.Equal(t, 1, next(t, s))
	assert.Equal(t, 2, next(t, s))
	assert.Equal(t, 3, next(t, s))

	d, err := q.Duplicate(s, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, d.ID)
	assert.Equal(t, 4, next(t, d))
	assert.Equal(t, 5, next(t, d))

	q.Add(6)
	assert.Equal(t, 6, next(t, d))
	assert.Equal(t, 4, next(t, s))
	assert.Equal(t, 5, next(t, s))
	assert.Equal(t, 6, next(t, s))
}

func TestQueue_DuplicateKeepsFilter(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(time.Second, func(v int) bool { return v > 10 })
	require.NoError(t, err)
	d, err := q.Duplicate(s, time.Second)
	require.NoError(t, err)
	q.Add(1)
	q.Add(11)
	assert.Equal(t, 11, next(t, d))
}

func TestQueue_DuplicateOfClosedStream(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(time.Second, nil)
	require.NoError(t, err)
	s.Close()
	_, err = q.Duplicate(s, time.Second)
	assert.ErrorIs(t, err, ErrStreamClosed)

	other := New[int](nil)
	s2, err := other.Stream(time.Second, nil)
	require.NoError(t, err)
	_, err = q.Duplicate(s2, time.Second)
	assert.Error(t, err)
}

func TestStream_ResetTimeoutOnlyExtends(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)
	original := s.Deadline()

	require.NoError(t, q.ResetTimeout(s, 10*time.Millisecond))
	assert.Equal(t, original, s.Deadline(), "deadline must not shrink")

	q.Add(1)
	assert.Equal(t, 1, next(t, s))

	mc.Advance(50 * time.Millisecond)
	require.NoError(t, q.ResetTimeout(s, 500*time.Millisecond))
	assert.Equal(t, mc.Now().Add(500*time.Millisecond), s.Deadline())

	q.Add(2)
	assert.Equal(t, 2, next(t, s), "cursor must survive a reset")
}

func TestStream_DeliversBacklogAfterDeadline(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)

	mc.Advance(50 * time.Millisecond)
	q.Add(1)
	mc.Advance(150 * time.Millisecond)

	assert.Equal(t, 1, next(t, s), "value that arrived in time is still delivered")
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, s.Err(), ErrTimeout)
}

func TestStream_IgnoresValuesAfterDeadline(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)
	mc.Advance(150 * time.Millisecond)
	q.Add(1)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, q.Streams())
}

func TestStream_ResetTimeoutAfterDeadline(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)
	deadline := s.Deadline()

	mc.Advance(150 * time.Millisecond)
	assert.ErrorIs(t, s.ResetTimeout(time.Second), ErrTimeout)
	assert.Equal(t, deadline, s.Deadline(), "an expired stream is not revived")
	assert.Equal(t, 0, q.Streams())

	q.Add(1)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestQueue_DuplicateAfterDeadline(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)

	mc.Advance(100 * time.Millisecond)
	_, err = q.Duplicate(s, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, s.Err(), ErrTimeout)
	assert.Equal(t, 0, q.Streams())
}

func TestQueue_FollowHasNoDeadline(t *testing.T) {
	mc := clock.NewMock(time.Unix(100, 0))
	q := New[int](mc)
	s, err := q.Follow(func(v int) bool { return v > 0 })
	require.NoError(t, err)
	assert.True(t, s.Deadline().IsZero())

	q.Add(1)
	mc.Advance(24 * time.Hour)
	q.Add(0)
	q.Add(2)
	require.NoError(t, s.ResetTimeout(time.Millisecond))
	assert.True(t, s.Deadline().IsZero())

	assert.Equal(t, 1, next(t, s))
	assert.Equal(t, 2, next(t, s))

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	mc.Advance(24 * time.Hour)
	q.Add(3)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("follow stream did not see a value added a day later")
	}
	s.Close()
	assert.Equal(t, 0, q.Streams())
}

func TestStream_TimeoutWithoutValues(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(50*time.Millisecond, nil)
	require.NoError(t, err)
	start := time.Now()
	assert.Empty(t, s.Collect())
	assert.ErrorIs(t, s.Err(), ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStream_ResetTimeoutKeepsBlockedReaderAlive(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(100*time.Millisecond, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = s.ResetTimeout(300 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		q.Add(7)
	}()

	v, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueue_CloseTerminatesBlockedStreams(t *testing.T) {
	q := New[int](nil)
	a, err := q.Stream(time.Minute, nil)
	require.NoError(t, err)
	b, err := q.Stream(time.Minute, nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for _, s := range []*Stream[int]{a, b} {
		go func(s *Stream[int]) {
			_, err := s.Next()
			errs <- err
		}(s)
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("stream did not terminate on close")
		}
	}
	_, err = q.Stream(time.Second, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.ResetTimeout(time.Second), ErrClosed)
}

func TestQueue_CloseReleasesStreams(t *testing.T) {
	q := New[int](nil)
	_, err := q.Stream(time.Minute, nil)
	require.NoError(t, err)
	_, err = q.Follow(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Streams())
	q.Close()
	assert.Equal(t, 0, q.Streams())
}

func TestStream_CloseWhileReading(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := New[int](nil)
		s, err := q.Stream(time.Minute, nil)
		require.NoError(t, err)
		for v := 0; v < 100; v++ {
			q.Add(v)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, err := s.Next(); err != nil {
					return
				}
			}
		}()
		s.Close()
		<-done
		_, err = q.Duplicate(s, time.Second)
		require.ErrorIs(t, err, ErrStreamClosed)
		assert.Equal(t, 0, q.Streams())
	}
}

func TestStream_CloseIsImmediateAndIdempotent(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Streams())

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, 0, q.Streams())
	assert.ErrorIs(t, s.ResetTimeout(time.Second), ErrStreamClosed)
	q.Add(1)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_AllStopsEarly(t *testing.T) {
	q := New[int](nil)
	s, err := q.Stream(time.Second, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		q.Add(i)
	}
	var got []int
	for v := range s.All() {
		got = append(got, v)
		if v == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 3, next(t, s))
}
