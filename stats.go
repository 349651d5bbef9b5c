package j1939

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	RecvFrames    uint64
	SentFrames    uint64
	Ignored       uint64
	Errors        uint64
	DroppedFrames uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("recv: %d sent: %d ignored: %d errors: %d dropped: %d", st.RecvFrames, st.SentFrames, st.Ignored, st.Errors, st.DroppedFrames)
}

type counters struct {
	recv, sent, ignored, errors, dropped atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RecvFrames:    c.recv.Load(),
		SentFrames:    c.sent.Load(),
		Ignored:       c.ignored.Load(),
		Errors:        c.errors.Load(),
		DroppedFrames: c.dropped.Load(),
	}
}
