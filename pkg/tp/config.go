package tp

import (
	"fmt"
	"time"

	"github.com/roffe/j1939/pkg/clock"
)

// Config holds the J1939-21 transport timers and session limits.
type Config struct {
	// T1 is the longest gap between two data packets seen by a receiver.
	T1 time.Duration
	// T2 is how long a receiver waits for the first data packet after a CTS.
	T2 time.Duration
	// T3 is how long a sender waits for a CTS or EOM after its last packet.
	T3 time.Duration
	// T4 is how long a sender waits for the CTS that ends a hold.
	T4 time.Duration

	// BAMGap separates the data packets of a broadcast transfer.
	BAMGap time.Duration

	// MaxPacketsPerCTS bounds the window this node grants as receiver.
	MaxPacketsPerCTS uint8

	// Passive also reassembles RTS/CTS transfers between two other nodes.
	Passive bool

	Clock clock.Clock
	Debug bool
}

func DefaultConfig() *Config {
	return &Config{
		T1:               750 * time.Millisecond,
		T2:               1250 * time.Millisecond,
		T3:               1250 * time.Millisecond,
		T4:               1050 * time.Millisecond,
		BAMGap:           50 * time.Millisecond,
		MaxPacketsPerCTS: 16,
	}
}

func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{"T1": c.T1, "T2": c.T2, "T3": c.T3, "T4": c.T4} {
		if d <= 0 {
			return fmt.Errorf("tp: invalid %s %s", name, d)
		}
	}
	if c.BAMGap < 0 {
		return fmt.Errorf("tp: invalid BAM gap %s", c.BAMGap)
	}
	if c.MaxPacketsPerCTS == 0 {
		return fmt.Errorf("tp: MaxPacketsPerCTS must be at least 1")
	}
	return nil
}
