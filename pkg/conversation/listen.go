package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/roffe/j1939"
)

// Listen opens a stream of the packets received from now on that filter
// accepts, for checks that watch broadcast traffic instead of asking.
func (e *Engine) Listen(timeout time.Duration, filter j1939.PacketFilter) (*j1939.Stream, error) {
	return e.bus.Read(timeout, j1939.And(j1939.Received, filter))
}

func (e *Engine) Duplicate(s *j1939.Stream, timeout time.Duration) (*j1939.Stream, error) {
	return e.bus.Duplicate(s, timeout)
}

func (e *Engine) ResetTimeout(s *j1939.Stream, timeout time.Duration) error {
	return e.bus.ResetTimeout(s, timeout)
}

// Collect reads packets matching filter until none arrived for idle. progress,
// when set, is called with the running count after every packet.
func (e *Engine) Collect(ctx context.Context, filter j1939.PacketFilter, idle time.Duration, progress func(n int)) ([]*j1939.Packet, error) {
	s, err := e.Listen(idle, filter)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	var out []*j1939.Packet
	for {
		p, err := s.Next()
		switch {
		case errors.Is(err, j1939.ErrStreamTimeout):
			return out, nil
		case errors.Is(err, j1939.ErrStreamClosed) && ctx.Err() != nil:
			return out, ctx.Err()
		case err != nil:
			return out, err
		}
		out = append(out, p)
		if progress != nil {
			progress(len(out))
		}
		if err := e.bus.ResetTimeout(s, idle); err != nil {
			if errors.Is(err, j1939.ErrStreamTimeout) {
				// went idle while the packet was handled
				return out, nil
			}
			return out, err
		}
	}
}
