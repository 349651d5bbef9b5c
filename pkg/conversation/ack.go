package conversation

import (
	"errors"
	"fmt"

	"github.com/roffe/j1939"
)

// Control is the first byte of an acknowledgment packet.
type Control byte

const (
	ControlACK          Control = 0
	ControlNACK         Control = 1
	ControlAccessDenied Control = 2
	ControlBusy         Control = 3
)

func (c Control) String() string {
	switch c {
	case ControlACK:
		return "ACK"
	case ControlNACK:
		return "NACK"
	case ControlAccessDenied:
		return "access denied"
	case ControlBusy:
		return "busy"
	default:
		return fmt.Sprintf("control %d", byte(c))
	}
}

var errNotAck = errors.New("conversation: not an acknowledgment packet")

// Acknowledgment is a decoded PGN 0xE800 packet.
type Acknowledgment struct {
	Control       Control
	GroupFunction uint8
	// Address is the node the acknowledgment is meant for.
	Address uint8
	// PGN is the group number being acknowledged.
	PGN uint32
	// Source sent the acknowledgment.
	Source uint8
}

func ParseAcknowledgment(p *j1939.Packet) (*Acknowledgment, error) {
	if p.PGN != j1939.PGNAcknowledgment || len(p.Data) < 8 {
		return nil, errNotAck
	}
	return &Acknowledgment{
		Control:       Control(p.Data[0]),
		GroupFunction: p.Data[1],
		Address:       p.Data[4],
		PGN:           j1939.PGNFromBytes(p.Data[5:8]),
		Source:        p.Source,
	}, nil
}

// Bytes encodes a into the 8 byte acknowledgment payload.
func (a *Acknowledgment) Bytes() []byte {
	return append([]byte{byte(a.Control), a.GroupFunction, 0xFF, 0xFF, a.Address}, j1939.PGNBytes(a.PGN)...)
}

// Packet wraps a in a packet from a.Source. Acknowledgments are sent to the
// global address; Address names the requester.
func (a *Acknowledgment) Packet() *j1939.Packet {
	return j1939.NewPacket(j1939.DefaultPriority, j1939.PGNAcknowledgment, a.Source, j1939.GlobalAddress, a.Bytes())
}

func (a *Acknowledgment) String() string {
	return fmt.Sprintf("%s of PGN 0x%04X from 0x%02X", a.Control, a.PGN, a.Source)
}

type Kind int

const (
	KindTimeout Kind = iota
	KindResponse
	KindNACK
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNACK:
		return "NACK"
	default:
		return "timeout"
	}
}

// Outcome is the result of a destination specific request.
type Outcome struct {
	Kind Kind
	// Packet is the answer for KindResponse and KindNACK. A positive
	// acknowledgment counts as a response.
	Packet *j1939.Packet
	// Ack is set when the answer was an acknowledgment packet.
	Ack *Acknowledgment
	// RetryUsed is set when the first attempt was answered busy.
	RetryUsed bool
}

// Reason is the NACK control byte, only meaningful for KindNACK.
func (o *Outcome) Reason() Control {
	if o.Ack == nil {
		return ControlACK
	}
	return o.Ack.Control
}

func (o *Outcome) Busy() bool {
	return o.Kind == KindNACK && o.Reason() == ControlBusy
}

func (o *Outcome) String() string {
	var s string
	switch o.Kind {
	case KindResponse:
		s = "response " + o.Packet.String()
	case KindNACK:
		s = o.Ack.String()
	default:
		s = "timeout"
	}
	if o.RetryUsed {
		s += " (retry used)"
	}
	return s
}

// GlobalResult holds everything answered to a global request, in arrival
// order.
type GlobalResult struct {
	Packets []*j1939.Packet
	NACKs   []*Acknowledgment
}
