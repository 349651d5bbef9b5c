package tp

import (
	"errors"
	"fmt"

	"github.com/roffe/j1939"
)

// Connection management control bytes.
const (
	ControlRTS   byte = 16
	ControlCTS   byte = 17
	ControlEOM   byte = 19
	ControlBAM   byte = 32
	ControlAbort byte = 255
)

// Priority of every connection management and data transfer packet.
const Priority uint8 = 7

// BytesPerPacket is the payload of one data transfer packet.
const BytesPerPacket = 7

type AbortReason byte

const (
	AbortAlreadyInSession    AbortReason = 1
	AbortResources           AbortReason = 2
	AbortTimeout             AbortReason = 3
	AbortCTSWhileSending     AbortReason = 4
	AbortRetransmitLimit     AbortReason = 5
	AbortUnexpectedData      AbortReason = 6
	AbortBadSequence         AbortReason = 7
	AbortDuplicateSequence   AbortReason = 8
	AbortMessageSizeTooLarge AbortReason = 9
)

func (r AbortReason) String() string {
	switch r {
	case AbortAlreadyInSession:
		return "already in a connection managed session"
	case AbortResources:
		return "system resources needed for another task"
	case AbortTimeout:
		return "timeout"
	case AbortCTSWhileSending:
		return "CTS received while data transfer in progress"
	case AbortRetransmitLimit:
		return "maximum retransmit request limit reached"
	case AbortUnexpectedData:
		return "unexpected data transfer packet"
	case AbortBadSequence:
		return "bad sequence number"
	case AbortDuplicateSequence:
		return "duplicate sequence number"
	case AbortMessageSizeTooLarge:
		return "total message size too large"
	default:
		return fmt.Sprintf("reason %d", byte(r))
	}
}

var (
	ErrTimeout  = errors.New("tp: timeout")
	ErrTooLarge = fmt.Errorf("tp: payload larger than %d bytes", j1939.MaxPacketSize)
	errShortCM  = errors.New("tp: short connection management packet")
)

// AbortError reports a transfer aborted by either side.
type AbortError struct {
	Reason AbortReason
	PGN    uint32
	// Remote is set when the peer sent the abort.
	Remote bool
}

func (e *AbortError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("tp: %s abort of PGN 0x%04X: %s", side, e.PGN, e.Reason)
}

// controlMessage is the decoded payload of a TP.CM packet.
type controlMessage struct {
	Control byte
	// Size is the total message size for RTS, EOM and BAM.
	Size uint16
	// Packets is the packet count for RTS, EOM and BAM, and the number of
	// packets granted by a CTS.
	Packets uint8
	// MaxPackets is the RTS per-CTS limit, 0xFF when the sender has none.
	MaxPackets uint8
	// NextSeq is the first sequence number a CTS asks for.
	NextSeq uint8
	Reason  AbortReason
	PGN     uint32
}

func parseControlMessage(data []byte) (controlMessage, error) {
	if len(data) < 8 {
		return controlMessage{}, errShortCM
	}
	cm := controlMessage{
		Control: data[0],
		PGN:     j1939.PGNFromBytes(data[5:8]),
	}
	switch cm.Control {
	case ControlRTS, ControlEOM, ControlBAM:
		cm.Size = uint16(data[1]) | uint16(data[2])<<8
		cm.Packets = data[3]
		cm.MaxPackets = data[4]
	case ControlCTS:
		cm.Packets = data[1]
		cm.NextSeq = data[2]
	case ControlAbort:
		cm.Reason = AbortReason(data[1])
	default:
		return cm, fmt.Errorf("tp: unknown control byte %d", cm.Control)
	}
	return cm, nil
}

func (cm controlMessage) bytes() []byte {
	out := []byte{cm.Control, 0xFF, 0xFF, 0xFF, 0xFF}
	switch cm.Control {
	case ControlRTS, ControlEOM, ControlBAM:
		out[1] = byte(cm.Size)
		out[2] = byte(cm.Size >> 8)
		out[3] = cm.Packets
		out[4] = cm.MaxPackets
	case ControlCTS:
		out[1] = cm.Packets
		out[2] = cm.NextSeq
	case ControlAbort:
		out[1] = byte(cm.Reason)
	}
	return append(out, j1939.PGNBytes(cm.PGN)...)
}

func packetCount(size int) int {
	return (size + BytesPerPacket - 1) / BytesPerPacket
}

// dataPacket returns the payload of data transfer packet seq (1 based),
// padded with 0xFF.
func dataPacket(payload []byte, seq int) []byte {
	out := []byte{byte(seq), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	start := (seq - 1) * BytesPerPacket
	end := min(start+BytesPerPacket, len(payload))
	copy(out[1:], payload[start:end])
	return out
}
