package j1939

import "fmt"

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is non fatal adapter chatter. Fatal conditions go through Err().
type Event struct {
	Type    EventType
	Adapter string
	Details string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Adapter, e.Details)
}
