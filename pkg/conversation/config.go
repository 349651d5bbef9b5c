package conversation

import (
	"errors"
	"time"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/clock"
)

// BusyRetryLimit is how many times a destination specific request is
// repeated after the responder answered busy. The pause between the
// attempts, BusyRetryDelay, is slept on the wall clock by retry-go and does
// not follow Config.Clock.
const BusyRetryLimit = 1

type Config struct {
	// DSTimeout is how long a destination specific request waits for an
	// answer.
	DSTimeout time.Duration
	// GlobalWindow is the collection window used when a global request is
	// given none.
	GlobalWindow time.Duration
	// BusyRetryDelay is the pause before repeating a request answered busy.
	BusyRetryDelay time.Duration
	// Priority of the request packets.
	Priority uint8
	Clock    clock.Clock
	Debug    bool
}

func DefaultConfig() *Config {
	return &Config{
		DSTimeout:      220 * time.Millisecond,
		GlobalWindow:   600 * time.Millisecond,
		BusyRetryDelay: 50 * time.Millisecond,
		Priority:       j1939.DefaultPriority,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.DSTimeout <= 0:
		return errors.New("conversation: DSTimeout must be positive")
	case c.GlobalWindow <= 0:
		return errors.New("conversation: GlobalWindow must be positive")
	case c.BusyRetryDelay < 0:
		return errors.New("conversation: BusyRetryDelay must not be negative")
	case c.Priority > 7:
		return errors.New("conversation: Priority must be 0-7")
	}
	return nil
}
