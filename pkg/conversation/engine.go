// Package conversation turns requests on a J1939 bus into bounded time
// results. Global requests collect every answer inside a window, destination
// specific requests classify the single answer as a response, a NACK or a
// timeout and repeat once when the responder is busy.
//
// Timeouts and NACKs are outcomes, not errors. The returned error is only
// set when the bus or the engine went away, the context was cancelled or the
// request could not be sent.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/clock"
)

var (
	ErrClosed            = errors.New("conversation: engine closed")
	ErrGlobalDestination = errors.New("conversation: destination specific request sent to the global address")

	errBusy = errors.New("conversation: responder busy")
)

// Engine issues requests on a bus, normally a *tp.TP so that multi packet
// answers arrive whole. It does not own the bus; Close leaves it open.
type Engine struct {
	bus    j1939.Bus
	cfg    *Config
	clock  clock.Clock
	router *router
	cancel context.CancelFunc
}

func New(bus j1939.Bus, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r, err := newRouter(ctx, bus, cfg.Debug)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Engine{
		bus:    bus,
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		router: r,
		cancel: cancel,
	}, nil
}

func (e *Engine) Bus() j1939.Bus {
	return e.bus
}

// Close stops routing. Requests in flight return ErrClosed.
func (e *Engine) Close() error {
	e.cancel()
	<-e.router.done
	return nil
}

// RequestPacket builds a request for pgn addressed to dst.
func (e *Engine) RequestPacket(pgn uint32, dst uint8) *j1939.Packet {
	return j1939.NewPacket(e.cfg.Priority, j1939.PGNRequest, e.bus.Address(), dst, j1939.PGNBytes(pgn))
}

// RequestGlobal asks every node for pgn and returns the answers seen within
// window, in arrival order. No answer is an empty result. window <= 0 uses
// the configured GlobalWindow.
func (e *Engine) RequestGlobal(ctx context.Context, pgn uint32, window time.Duration) ([]*j1939.Packet, error) {
	res, err := e.RequestGlobalResult(ctx, pgn, window)
	if err != nil {
		return nil, err
	}
	return res.Packets, nil
}

// RequestGlobalResult is RequestGlobal that also reports acknowledgments.
func (e *Engine) RequestGlobalResult(ctx context.Context, pgn uint32, window time.Duration) (*GlobalResult, error) {
	return e.ExchangeGlobal(ctx, pgn, e.RequestPacket(pgn, j1939.GlobalAddress), window)
}

// ExchangeGlobal sends req and collects packets of pgn from any node until
// window elapsed.
func (e *Engine) ExchangeGlobal(ctx context.Context, pgn uint32, req *j1939.Packet, window time.Duration) (*GlobalResult, error) {
	if window <= 0 {
		window = e.cfg.GlobalWindow
	}
	w, err := e.router.register(pgn, anySource, true)
	if err != nil {
		return nil, err
	}
	defer e.router.unregister(w)

	if err := e.send(req); err != nil {
		return nil, err
	}
	timer := e.clock.NewTimer(window)
	defer timer.Stop()

	res := &GlobalResult{Packets: []*j1939.Packet{}}
	for {
		p, err := e.router.wait(ctx, w, timer.C())
		if err != nil {
			return nil, err
		}
		if p == nil {
			e.debugf("global request for PGN 0x%04X: %d answers, %d NACKs", pgn, len(res.Packets), len(res.NACKs))
			return res, nil
		}
		if ack, err := ParseAcknowledgment(p); err == nil && pgn != j1939.PGNAcknowledgment && ack.Control != ControlACK {
			res.NACKs = append(res.NACKs, ack)
			continue
		}
		res.Packets = append(res.Packets, p)
	}
}

// RequestDS asks dst for pgn.
func (e *Engine) RequestDS(ctx context.Context, pgn uint32, dst uint8) (*Outcome, error) {
	return e.ExchangeDS(ctx, pgn, e.RequestPacket(pgn, dst))
}

// ExchangeDS sends req to req.Destination and waits DSTimeout for a packet
// of pgn or an acknowledgment of pgn from that node. A busy answer repeats
// the exchange BusyRetryLimit times; the final outcome then has RetryUsed
// set whatever it is.
func (e *Engine) ExchangeDS(ctx context.Context, pgn uint32, req *j1939.Packet) (*Outcome, error) {
	if req.IsGlobal() {
		return nil, ErrGlobalDestination
	}
	var (
		out      *Outcome
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			o, err := e.exchangeOnce(ctx, pgn, req)
			if err != nil {
				return err
			}
			o.RetryUsed = attempts > 1
			out = o
			if o.Busy() {
				return errBusy
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(1+BusyRetryLimit),
		retry.Delay(e.cfg.BusyRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errBusy)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.debugf("0x%02X answered busy for PGN 0x%04X (attempt %d)", req.Destination, pgn, n+1)
		}),
	)
	if err != nil && !errors.Is(err, errBusy) {
		return nil, err
	}
	return out, nil
}

func (e *Engine) exchangeOnce(ctx context.Context, pgn uint32, req *j1939.Packet) (*Outcome, error) {
	w, err := e.router.register(pgn, uint16(req.Destination), true)
	if err != nil {
		return nil, err
	}
	defer e.router.unregister(w)

	if err := e.send(req); err != nil {
		return nil, err
	}
	timer := e.clock.NewTimer(e.cfg.DSTimeout)
	defer timer.Stop()

	p, err := e.router.wait(ctx, w, timer.C())
	if err != nil {
		return nil, err
	}
	if p == nil {
		e.debugf("no answer from 0x%02X for PGN 0x%04X", req.Destination, pgn)
		return &Outcome{Kind: KindTimeout}, nil
	}
	if ack, err := ParseAcknowledgment(p); err == nil && pgn != j1939.PGNAcknowledgment {
		kind := KindNACK
		if ack.Control == ControlACK {
			kind = KindResponse
		}
		return &Outcome{Kind: kind, Packet: p, Ack: ack}, nil
	}
	return &Outcome{Kind: KindResponse, Packet: p}, nil
}

func (e *Engine) send(req *j1939.Packet) error {
	if err := e.bus.Send(req); err != nil {
		return fmt.Errorf("conversation: send request: %w", err)
	}
	return nil
}

func (e *Engine) debugf(format string, v ...any) {
	if e.cfg.Debug {
		log.Printf("conversation: "+format, v...)
	}
}
