package j1939

import (
	"context"
	"time"

	"github.com/roffe/j1939/pkg/multiqueue"
)

// Stream is a deadline bounded, filtered view of the packets seen by a Bus.
// Next returns ErrStreamTimeout once the deadline passed, ErrBusClosed if the
// bus went away and ErrStreamClosed if the owner closed it.
type Stream = multiqueue.Stream[*Packet]

// PacketFilter selects the packets a Stream yields. nil accepts all.
type PacketFilter func(*Packet) bool

// Bus is the transport seen by the protocol layers. The physical CANBus, the
// transport protocol layer and the replay adapter all satisfy it.
type Bus interface {
	// Send transmits p. The packet also shows up, flagged Transmitted, on
	// every stream opened before the send.
	Send(p *Packet) error
	// Read opens a stream of packets received from now on. It never blocks
	// past timeout; the stream simply ends.
	Read(timeout time.Duration, filter PacketFilter) (*Stream, error)
	// Follow opens a stream of packets received from now on that has no
	// deadline. It ends when its owner closes it or the bus closes.
	Follow(filter PacketFilter) (*Stream, error)
	// Duplicate opens a second stream that continues from the current
	// position of s, with the same filter.
	Duplicate(s *Stream, timeout time.Duration) (*Stream, error)
	// ResetTimeout extends the deadline of s to now+timeout. It never
	// shortens a deadline.
	ResetTimeout(s *Stream, timeout time.Duration) error
	// Address is the source address this node transmits with.
	Address() uint8
	// Speed is the bus bitrate in bit/s.
	Speed() int
	// ImposterDetected reports whether another node was seen transmitting
	// with this node's source address.
	ImposterDetected() bool
	Close() error
}

// Follow opens a stream on bus without a deadline that is closed once ctx is
// done.
func Follow(ctx context.Context, bus Bus, filter PacketFilter) (*Stream, error) {
	s, err := bus.Follow(filter)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, s.Close)
	return s, nil
}

// ByPGN accepts packets of any of the given group numbers.
func ByPGN(pgns ...uint32) PacketFilter {
	return func(p *Packet) bool {
		for _, pgn := range pgns {
			if p.PGN == pgn {
				return true
			}
		}
		return false
	}
}

// BySource accepts packets sent by addr.
func BySource(addr uint8) PacketFilter {
	return func(p *Packet) bool {
		return p.Source == addr
	}
}

// And accepts packets every non-nil filter accepts.
func And(filters ...PacketFilter) PacketFilter {
	return func(p *Packet) bool {
		for _, f := range filters {
			if f != nil && !f(p) {
				return false
			}
		}
		return true
	}
}

// Received rejects the echoes of packets this node sent.
func Received(p *Packet) bool {
	return !p.Transmitted
}
