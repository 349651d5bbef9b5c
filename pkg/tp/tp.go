// Package tp implements the J1939-21 transport protocol on top of a
// j1939.Bus. A TP is itself a j1939.Bus: streams opened on it see whole
// reassembled messages, never the connection management and data transfer
// packets that carried them, and Send segments payloads larger than one
// frame with BAM (global) or RTS/CTS (destination specific).
package tp

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/clock"
	"github.com/roffe/j1939/pkg/multiqueue"
)

var _ j1939.Bus = (*TP)(nil)

type key struct {
	src, dst uint8
}

type TP struct {
	bus   j1939.Bus
	cfg   *Config
	clock clock.Clock
	queue *multiqueue.Queue[*j1939.Packet]

	ctx    context.Context
	cancel context.CancelFunc

	// rx is owned by the run goroutine.
	rx map[key]*session

	txMu    sync.Mutex
	dstLock map[uint8]*sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New starts reading bus. The TP owns bus from here on: closing the TP
// closes it, and a closed bus closes the TP.
func New(bus j1939.Bus, cfg *Config) (*TP, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TP{
		bus:     bus,
		cfg:     cfg,
		clock:   clock.Or(cfg.Clock),
		ctx:     ctx,
		cancel:  cancel,
		rx:      make(map[key]*session),
		dstLock: make(map[uint8]*sync.Mutex),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.queue = multiqueue.New[*j1939.Packet](t.clock)

	feed, err := j1939.Follow(ctx, bus, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	in := make(chan *j1939.Packet, 256)
	go t.pump(feed, in)
	go t.run(in)
	return t, nil
}

func (t *TP) pump(feed *j1939.Stream, in chan<- *j1939.Packet) {
	defer close(in)
	for {
		p, err := feed.Next()
		if err != nil {
			return
		}
		select {
		case in <- p:
		case <-t.closed:
			return
		}
	}
}

func (t *TP) run(in <-chan *j1939.Packet) {
	defer close(t.done)
	timer := t.clock.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.arm(timer)
		select {
		case p, ok := <-in:
			if !ok {
				t.Close()
				return
			}
			t.handle(p)
		case <-timer.C():
			t.expire()
		case <-t.closed:
			return
		}
	}
}

// arm points timer at the earliest session deadline.
func (t *TP) arm(timer clock.Timer) {
	timer.Stop()
	var first time.Time
	for _, s := range t.rx {
		if first.IsZero() || s.deadline.Before(first) {
			first = s.deadline
		}
	}
	if !first.IsZero() {
		timer.Reset(t.clock.Until(first))
	}
}

func (t *TP) handle(p *j1939.Packet) {
	switch p.PGN {
	case j1939.PGNTPConnection:
		if p.Transmitted || t.handleCM(p) {
			return
		}
	case j1939.PGNTPData:
		if p.Transmitted || t.handleDT(p) {
			return
		}
	}
	t.queue.Add(p)
}

// handleCM reports whether p belonged to a transfer.
func (t *TP) handleCM(p *j1939.Packet) bool {
	cm, err := parseControlMessage(p.Data)
	if err != nil {
		t.debugf("dropping %s: %v", p, err)
		return true
	}
	me := t.bus.Address()
	src, dst := p.Source, p.Destination
	switch cm.Control {
	case ControlBAM:
		if p.IsGlobal() {
			t.open(key{src, j1939.GlobalAddress}, modeBAM, p, cm)
		}
		return true
	case ControlRTS:
		switch {
		case dst == me:
			t.open(key{src, dst}, modeActive, p, cm)
		case t.cfg.Passive && !p.IsGlobal():
			t.open(key{src, dst}, modePassive, p, cm)
		}
		return true
	case ControlCTS, ControlEOM:
		// flow control addressed to us belongs to a Send in progress
		if dst == me {
			return true
		}
		k := key{dst, src}
		if s := t.rx[k]; s != nil && s.mode == modePassive && s.pgn == cm.PGN {
			if cm.Control == ControlCTS {
				s.deadline = t.clock.Now().Add(t.cfg.T2)
			} else {
				t.debugf("passive transfer 0x%02X->0x%02X ended with %d of %d packets", dst, src, s.count, s.packets)
				delete(t.rx, k)
			}
			return true
		}
	case ControlAbort:
		consumed := dst == me
		for _, k := range []key{{src, dst}, {dst, src}} {
			if s := t.rx[k]; s != nil && s.pgn == cm.PGN {
				t.debugf("transfer of PGN 0x%04X from 0x%02X aborted: %s", s.pgn, s.src, cm.Reason)
				delete(t.rx, k)
				consumed = true
			}
		}
		return consumed
	}
	return false
}

func (t *TP) handleDT(p *j1939.Packet) bool {
	s := t.rx[key{p.Source, p.Destination}]
	if s == nil {
		return false
	}
	if len(p.Data) < 2 {
		t.debugf("dropping short data packet %s", p)
		return true
	}
	t.receive(s, p)
	return true
}

func (t *TP) expire() {
	now := t.clock.Now()
	for k, s := range t.rx {
		if now.Before(s.deadline) {
			continue
		}
		t.debugf("transfer of PGN 0x%04X from 0x%02X timed out with %d of %d packets", s.pgn, s.src, s.count, s.packets)
		if s.mode == modeActive {
			t.sendCM(s.src, controlMessage{Control: ControlAbort, Reason: AbortTimeout, PGN: s.pgn})
		}
		delete(t.rx, k)
	}
}

func (t *TP) sendCM(dst uint8, cm controlMessage) {
	p := j1939.NewPacket(Priority, j1939.PGNTPConnection, t.bus.Address(), dst, cm.bytes())
	if err := t.bus.Send(p); err != nil {
		log.Printf("tp: failed to send control message to 0x%02X: %v", dst, err)
	}
}

func (t *TP) lockDestination(dst uint8) *sync.Mutex {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	mu, ok := t.dstLock[dst]
	if !ok {
		mu = &sync.Mutex{}
		t.dstLock[dst] = mu
	}
	mu.Lock()
	return mu
}

func (t *TP) debugf(format string, v ...any) {
	if t.cfg.Debug {
		log.Printf("tp: "+format, v...)
	}
}

func (t *TP) Read(timeout time.Duration, filter j1939.PacketFilter) (*j1939.Stream, error) {
	return t.queue.Stream(timeout, filter)
}

func (t *TP) Follow(filter j1939.PacketFilter) (*j1939.Stream, error) {
	return t.queue.Follow(filter)
}

func (t *TP) Duplicate(s *j1939.Stream, timeout time.Duration) (*j1939.Stream, error) {
	return t.queue.Duplicate(s, timeout)
}

func (t *TP) ResetTimeout(s *j1939.Stream, timeout time.Duration) error {
	return t.queue.ResetTimeout(s, timeout)
}

func (t *TP) Address() uint8 {
	return t.bus.Address()
}

func (t *TP) Speed() int {
	return t.bus.Speed()
}

func (t *TP) ImposterDetected() bool {
	return t.bus.ImposterDetected()
}

// Close ends every stream with j1939.ErrBusClosed and closes the bus below.
func (t *TP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
		t.queue.Close()
		err = t.bus.Close()
	})
	return err
}
