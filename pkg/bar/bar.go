// Package bar draws the terminal progress of a packet collection.
package bar

import (
	"fmt"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// Collection counts the packets of one PGN gathered so far. How many will
// arrive is unknown, so it spins with a running count and rate.
type Collection struct {
	pgn uint32
	n   int
	pb  *progressbar.ProgressBar
}

func NewCollection(pgn uint32) *Collection {
	out := ansi.NewAnsiStdout()
	return &Collection{
		pgn: pgn,
		pb: progressbar.NewOptions(
			-1,
			progressbar.OptionSetWriter(out),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetWidth(20),
			progressbar.OptionSetDescription(fmt.Sprintf("[cyan]PGN 0x%04X[reset]", pgn)),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(out)
			}),
		),
	}
}

// Progress takes the running count reported by conversation.Engine.Collect.
func (c *Collection) Progress(n int) {
	c.n = n
	c.pb.Set(n)
}

// Done stops the spinner and returns a one line summary.
func (c *Collection) Done() string {
	c.pb.Finish()
	return fmt.Sprintf("%d packets of PGN 0x%04X", c.n, c.pgn)
}
