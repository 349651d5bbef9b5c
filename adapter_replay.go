package j1939

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/j1939/pkg/clock"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "Replay",
		Description:        "Plays back a candump or packet log, Port is the file path",
		RequiresSerialPort: false,
		Capabilities: AdapterCapabilities{
			Extended: true,
			Replay:   true,
		},
		New: NewReplay,
	}); err != nil {
		panic(err)
	}
}

// maxReplaySleep bounds a single wait so Close interrupts long gaps quickly.
const maxReplaySleep = 100 * time.Millisecond

// Replay feeds pre-recorded frames into a CANBus, reproducing the recorded
// gaps between them. Frames sent to it are discarded.
type Replay struct {
	*BaseAdapter
	frames []*Frame
	speed  float64
	clock  clock.Clock
	done   chan struct{}
}

// NewReplay loads cfg.Port. AdditionalConfig["speed"] scales playback, 2
// plays twice as fast, 0 or "max" plays without pacing.
func NewReplay(cfg *AdapterConfig) (Adapter, error) {
	fh, err := os.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer fh.Close()
	frames, err := ParseLog(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cfg.Port, err)
	}
	return NewReplayFrames("Replay", frames, cfg, nil)
}

// NewReplayFrames plays frames, which must already be sorted by timestamp.
func NewReplayFrames(name string, frames []*Frame, cfg *AdapterConfig, c clock.Clock) (*Replay, error) {
	if cfg == nil {
		cfg = &AdapterConfig{}
	}
	speed := 1.0
	if s, ok := cfg.AdditionalConfig["speed"]; ok {
		if s == "max" {
			speed = 0
		} else {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("invalid replay speed %q", s)
			}
			speed = v
		}
	}
	return &Replay{
		BaseAdapter: NewBaseAdapter(name, cfg),
		frames:      frames,
		speed:       speed,
		clock:       clock.Or(c),
		done:        make(chan struct{}),
	}, nil
}

func (r *Replay) Open(ctx context.Context) error {
	go r.sendManager(ctx)
	go r.play(ctx)
	return nil
}

func (r *Replay) Close() error {
	r.BaseAdapter.Close()
	return nil
}

// Done is closed when every frame was delivered.
func (r *Replay) Done() <-chan struct{} {
	return r.done
}

func (r *Replay) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closeChan:
			return
		case frame := <-r.sendChan:
			if r.cfg.Debug {
				r.cfg.OnMessage("discarding " + frame.String())
			}
		}
	}
}

func (r *Replay) play(ctx context.Context) {
	var prev time.Time
	for i, f := range r.frames {
		if i > 0 && !r.wait(ctx, f.Timestamp.Sub(prev)) {
			return
		}
		prev = f.Timestamp
		out := NewFrame(f.Identifier, f.Data, Incoming)
		out.Extended = f.Extended
		out.Timestamp = f.Timestamp
		select {
		case r.recvChan <- out:
		case <-ctx.Done():
			return
		case <-r.closeChan:
			return
		}
	}
	close(r.done)
	r.Info(fmt.Sprintf("playback finished, %d frames", len(r.frames)))
}

func (r *Replay) wait(ctx context.Context, gap time.Duration) bool {
	if r.speed == 0 || gap <= 0 {
		return ctx.Err() == nil && !r.closed()
	}
	remaining := time.Duration(float64(gap) / r.speed)
	for remaining > 0 {
		if ctx.Err() != nil || r.closed() {
			return false
		}
		d := min(remaining, maxReplaySleep)
		r.clock.Sleep(d)
		remaining -= d
	}
	return ctx.Err() == nil && !r.closed()
}

var candumpLine = regexp.MustCompile(`^\s*\((\d+)\.(\d+)\)\s+\S+\s+([0-9A-Fa-f]{3}|[0-9A-Fa-f]{8})#([0-9A-Fa-f]*)(?:\s|$)`)

// ParseLog reads candump -l lines "(1697040000.123456) can0 18FECA00#00FF"
// and Packet.String lines. Other lines are ignored, as are packet lines
// marked (TX). The result is sorted by timestamp, ties keep file order.
func ParseLog(r io.Reader) ([]*Frame, error) {
	var frames []*Frame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if f, ok := parseCandump(line); ok {
			frames = append(frames, f)
			continue
		}
		if !strings.Contains(line, "[") {
			continue
		}
		p, err := ParsePacket(line)
		if err != nil || p.Transmitted || len(p.Data) > MaxFrameData {
			continue
		}
		f := NewFrame(p.Identifier(), p.Data, Incoming)
		f.Timestamp = p.Timestamp
		frames = append(frames, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(frames, func(a, b *Frame) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return frames, nil
}

func parseCandump(line string) (*Frame, bool) {
	m := candumpLine.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, false
	}
	frac := m[2]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	nsec, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	if err != nil {
		return nil, false
	}
	id, err := strconv.ParseUint(m[3], 16, 32)
	if err != nil {
		return nil, false
	}
	data, err := hex.DecodeString(m[4])
	if err != nil || len(data) > MaxFrameData {
		return nil, false
	}
	f := NewFrame(uint32(id), data, Incoming)
	f.Extended = len(m[3]) == 8
	f.Timestamp = time.Unix(sec, nsec)
	return f, true
}
