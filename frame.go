package j1939

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

type FrameType int

const (
	Incoming FrameType = iota
	Outgoing
)

// Frame is one physical CAN frame as exchanged with an Adapter.
type Frame struct {
	Identifier uint32
	Extended   bool
	Data       []byte
	Type       FrameType
	Timestamp  time.Time
}

// NewFrame creates a new 29-bit Frame and copies the data slice
func NewFrame(identifier uint32, data []byte, frameType FrameType) *Frame {
	d := make([]byte, len(data))
	copy(d, data)
	return &Frame{
		Identifier: identifier,
		Extended:   true,
		Data:       d,
		Type:       frameType,
	}
}

// Returns the length of the data (DLC)
func (f *Frame) DLC() int {
	return len(f.Data)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	return f.format(fmt.Sprintf, fmt.Sprintf)
}

func (f *Frame) ColorString() string {
	return f.format(green, red)
}

func (f *Frame) format(idFmt, dataFmt func(string, ...interface{}) string) string {
	var out strings.Builder
	switch f.Type {
	case Incoming:
		out.WriteString("<i> || ")
	case Outgoing:
		out.WriteString("<o> || ")
	}
	if f.Extended {
		out.WriteString(idFmt("0x%08X", f.Identifier))
	} else {
		out.WriteString(idFmt("0x%03X", f.Identifier))
	}
	out.WriteString(" || " + strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(dataFmt("%-23s", hexBytes(f.Data)))
	return out.String()
}

func hexBytes(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		if i > 0 {
			out.WriteByte(' ')
		}
		fmt.Fprintf(&out, "%02X", b)
	}
	return out.String()
}
