package j1939

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	GlobalAddress uint8 = 0xFF
	NullAddress   uint8 = 0xFE

	DefaultPriority uint8 = 6

	// MaxFrameData is the payload of one physical frame.
	MaxFrameData = 8
	// MaxPacketSize is the largest payload the transport protocol can carry.
	MaxPacketSize = 1785
)

const (
	PGNAcknowledgment uint32 = 0xE800
	PGNRequest        uint32 = 0xEA00
	PGNTPData         uint32 = 0xEB00
	PGNTPConnection   uint32 = 0xEC00
	PGNAddressClaim   uint32 = 0xEE00
)

// Packet is a decoded J1939 message. Packets read from the physical bus carry
// at most 8 bytes; packets produced by the transport protocol carry the whole
// reassembled payload and the timestamp of their first frame. Packets handed
// to stream consumers are shared and must be treated as read-only.
type Packet struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
	Timestamp   time.Time
	// Transmitted marks the echo of a packet this node sent.
	Transmitted bool
}

// NewPacket copies data. For PDU2 group numbers the destination is forced
// to GlobalAddress.
func NewPacket(priority uint8, pgn uint32, source, destination uint8, data []byte) *Packet {
	d := make([]byte, len(data))
	copy(d, data)
	if !IsPDU1(pgn) {
		destination = GlobalAddress
	}
	return &Packet{
		Priority:    priority & 0x7,
		PGN:         pgn & 0x3FFFF,
		Source:      source,
		Destination: destination,
		Data:        d,
	}
}

// IsPDU1 reports whether the PS field of pgn is a destination address.
func IsPDU1(pgn uint32) bool {
	return (pgn>>8)&0xFF < 0xF0
}

// ParseIdentifier splits a 29-bit identifier. For PDU1 identifiers the PS
// byte is returned as destination and cleared from the group number.
func ParseIdentifier(id uint32) (priority uint8, pgn uint32, source, destination uint8) {
	priority = uint8(id>>26) & 0x7
	pgn = (id >> 8) & 0x3FFFF
	source = uint8(id)
	destination = GlobalAddress
	if IsPDU1(pgn) {
		destination = uint8(pgn)
		pgn &^= 0xFF
	}
	return
}

// Identifier returns the 29-bit CAN identifier for p.
func (p *Packet) Identifier() uint32 {
	id := uint32(p.Priority&0x7)<<26 | (p.PGN&0x3FFFF)<<8 | uint32(p.Source)
	if IsPDU1(p.PGN) {
		id = id&^0xFF00 | uint32(p.Destination)<<8
	}
	return id
}

// PacketFromFrame decodes an extended frame.
func PacketFromFrame(f *Frame) *Packet {
	priority, pgn, source, destination := ParseIdentifier(f.Identifier)
	d := make([]byte, len(f.Data))
	copy(d, f.Data)
	return &Packet{
		Priority:    priority,
		PGN:         pgn,
		Source:      source,
		Destination: destination,
		Data:        d,
		Timestamp:   f.Timestamp,
	}
}

// Frame encodes p as a physical frame. The caller must make sure p fits.
func (p *Packet) Frame() *Frame {
	f := NewFrame(p.Identifier(), p.Data, Outgoing)
	f.Timestamp = p.Timestamp
	return f
}

// IsGlobal reports whether p was addressed to every node.
func (p *Packet) IsGlobal() bool {
	return p.Destination == GlobalAddress
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Data = make([]byte, len(p.Data))
	copy(c.Data, p.Data)
	return &c
}

// PGNBytes encodes a group number the way requests and TP control messages
// carry it: three bytes, little endian.
func PGNBytes(pgn uint32) []byte {
	return []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// PGNFromBytes is the inverse of PGNBytes. b must hold at least 3 bytes.
func PGNFromBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

const timeLayout = "15:04:05.0000"

// String renders p as "15:04:05.0000 18EA00F9 [3] D3 FE 00 (TX)".
func (p *Packet) String() string {
	var out strings.Builder
	out.WriteString(p.Timestamp.Format(timeLayout))
	fmt.Fprintf(&out, " %08X [%d]", p.Identifier(), len(p.Data))
	if len(p.Data) > 0 {
		out.WriteString(" " + hexBytes(p.Data))
	}
	if p.Transmitted {
		out.WriteString(" (TX)")
	}
	return out.String()
}

func (p *Packet) ColorString() string {
	var out strings.Builder
	out.WriteString(p.Timestamp.Format(timeLayout) + " ")
	out.WriteString(green("%08X", p.Identifier()))
	fmt.Fprintf(&out, " [%d]", len(p.Data))
	if len(p.Data) > 0 {
		out.WriteString(" " + red("%s", hexBytes(p.Data)))
	}
	if p.Transmitted {
		out.WriteString(yellow(" (TX)"))
	}
	return out.String()
}

var packetLine = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}(?:\.\d+)?)\s+([0-9A-Fa-f]{8})\s+\[(\d+)\]((?:\s+[0-9A-Fa-f]{2})*)(\s+\(TX\))?`)

// ParsePacket reads the String form back. Only the time of day is known, so
// the timestamp is on the zero date.
func ParsePacket(line string) (*Packet, error) {
	m := packetLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("not a packet line: %q", line)
	}
	ts, err := time.Parse("15:04:05", m[1])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", m[1], err)
	}
	id, err := strconv.ParseUint(m[2], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %q: %w", m[2], err)
	}
	length, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("invalid length %q: %w", m[3], err)
	}
	fields := strings.Fields(m[4])
	if len(fields) != length {
		return nil, fmt.Errorf("length %d does not match %d data bytes", length, len(fields))
	}
	data := make([]byte, len(fields))
	for i, s := range fields {
		b, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid data byte %q: %w", s, err)
		}
		data[i] = byte(b)
	}
	p := PacketFromFrame(&Frame{Identifier: uint32(id), Extended: true, Data: data, Timestamp: ts})
	p.Transmitted = m[5] != ""
	return p, nil
}
