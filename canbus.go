package j1939

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/j1939/pkg/clock"
	"github.com/roffe/j1939/pkg/multiqueue"
)

var _ Bus = (*CANBus)(nil)

type Opts func(b *CANBus) error

// WithClock sets the clock used for timestamps and stream deadlines.
func WithClock(c clock.Clock) Opts {
	return func(b *CANBus) error {
		b.clock = clock.Or(c)
		return nil
	}
}

// WithSendTimeout bounds how long Send waits for room in the adapter queue.
func WithSendTimeout(d time.Duration) Opts {
	return func(b *CANBus) error {
		if d <= 0 {
			return fmt.Errorf("invalid send timeout %s", d)
		}
		b.sendTimeout = d
		return nil
	}
}

// WithSpeed sets the bitrate reported by Speed.
func WithSpeed(bps int) Opts {
	return func(b *CANBus) error {
		if bps <= 0 {
			return fmt.Errorf("invalid bus speed %d", bps)
		}
		b.speed = bps
		return nil
	}
}

// WithEventHandler receives adapter events instead of the default logger.
func WithEventHandler(fn func(Event)) Opts {
	return func(b *CANBus) error {
		b.onEvent = fn
		return nil
	}
}

// CANBus is a Bus on top of an Adapter. One goroutine drains the adapter and
// appends every extended frame, as a Packet, to a multiqueue backlog.
type CANBus struct {
	adapter     Adapter
	address     uint8
	speed       int
	sendTimeout time.Duration
	clock       clock.Clock
	onEvent     func(Event)

	queue    *multiqueue.Queue[*Packet]
	imposter atomic.Bool
	stats    counters

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	errMu     sync.Mutex
	sendMu    sync.Mutex
}

// NewCANBus opens adapter and starts feeding the bus. Closing the bus closes
// the adapter.
func NewCANBus(ctx context.Context, adapter Adapter, address uint8, opts ...Opts) (*CANBus, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}
	b := &CANBus{
		adapter:     adapter,
		address:     address,
		speed:       250000,
		sendTimeout: time.Second,
		clock:       clock.Real{},
		closed:      make(chan struct{}),
	}
	b.onEvent = func(e Event) { log.Println(e.String()) }
	for _, o := range opts {
		if err := o(b); err != nil {
			return nil, err
		}
	}
	b.queue = multiqueue.New[*Packet](b.clock)

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if err := adapter.Open(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open adapter %s: %w", adapter.Name(), err)
	}
	go b.run(ctx)
	return b, nil
}

func (b *CANBus) run(ctx context.Context) {
	recv := b.adapter.Recv()
	for {
		select {
		case <-ctx.Done():
			b.shutdown(ctx.Err())
			return
		case <-b.closed:
			return
		case err := <-b.adapter.Err():
			if err == nil {
				continue
			}
			b.stats.errors.Add(1)
			if !IsRecoverable(err) {
				b.shutdown(fmt.Errorf("adapter %s: %w", b.adapter.Name(), err))
				return
			}
			log.Printf("adapter %s: %v", b.adapter.Name(), err)
		case e := <-b.adapter.Event():
			if e.Type == EventTypeError {
				b.stats.errors.Add(1)
				if e.Details == ErrDroppedFrame.Error() {
					b.stats.dropped.Add(1)
				}
			}
			if b.onEvent != nil {
				b.onEvent(e)
			}
		case f, ok := <-recv:
			if !ok {
				b.shutdown(fmt.Errorf("adapter %s stopped delivering frames", b.adapter.Name()))
				return
			}
			b.receive(f)
		}
	}
}

func (b *CANBus) receive(f *Frame) {
	if !f.Extended {
		b.stats.ignored.Add(1)
		return
	}
	b.stats.recv.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = b.clock.Now()
	}
	p := PacketFromFrame(f)
	if p.Source == b.address && !b.imposter.Swap(true) {
		log.Printf("imposter detected: %s claims source address 0x%02X", p, b.address)
	}
	b.queue.Add(p)
}

// Send transmits a single frame packet and echoes it to the open streams.
func (b *CANBus) Send(p *Packet) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	if len(p.Data) > MaxFrameData {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(p.Data))
	}
	f := p.Frame()
	t := b.clock.NewTimer(b.sendTimeout)
	defer t.Stop()
	// the lock keeps echoes in wire order
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	select {
	case b.adapter.Send() <- f:
	case <-b.closed:
		return ErrBusClosed
	case <-t.C():
		return ErrSendTimeout
	}
	b.stats.sent.Add(1)

	echo := p.Clone()
	echo.Transmitted = true
	echo.Timestamp = b.clock.Now()
	b.queue.Add(echo)
	return nil
}

func (b *CANBus) Read(timeout time.Duration, filter PacketFilter) (*Stream, error) {
	s, err := b.queue.Stream(timeout, filter)
	if err != nil {
		return nil, b.lifecycleErr(err)
	}
	return s, nil
}

func (b *CANBus) Follow(filter PacketFilter) (*Stream, error) {
	s, err := b.queue.Follow(filter)
	if err != nil {
		return nil, b.lifecycleErr(err)
	}
	return s, nil
}

func (b *CANBus) Duplicate(s *Stream, timeout time.Duration) (*Stream, error) {
	d, err := b.queue.Duplicate(s, timeout)
	if err != nil {
		return nil, b.lifecycleErr(err)
	}
	return d, nil
}

func (b *CANBus) ResetTimeout(s *Stream, timeout time.Duration) error {
	return b.queue.ResetTimeout(s, timeout)
}

func (b *CANBus) Address() uint8 {
	return b.address
}

func (b *CANBus) Speed() int {
	return b.speed
}

func (b *CANBus) ImposterDetected() bool {
	return b.imposter.Load()
}

func (b *CANBus) Stats() Stats {
	return b.stats.snapshot()
}

// Err returns why the bus closed, nil while open or after a plain Close.
func (b *CANBus) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.closeErr
}

// Done is closed once the bus is closed.
func (b *CANBus) Done() <-chan struct{} {
	return b.closed
}

func (b *CANBus) Close() error {
	return b.shutdown(nil)
}

func (b *CANBus) shutdown(reason error) error {
	var err error
	b.closeOnce.Do(func() {
		if reason != nil && !errors.Is(reason, context.Canceled) {
			log.Printf("closing bus: %v", reason)
			b.errMu.Lock()
			b.closeErr = reason
			b.errMu.Unlock()
		}
		close(b.closed)
		b.queue.Close()
		b.cancel()
		err = b.adapter.Close()
	})
	return err
}

func (b *CANBus) lifecycleErr(err error) error {
	if errors.Is(err, multiqueue.ErrClosed) {
		if cause := b.Err(); cause != nil {
			return fmt.Errorf("%w: %v", ErrBusClosed, cause)
		}
	}
	return err
}
