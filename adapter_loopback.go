package j1939

import (
	"context"
	"fmt"
	"sync"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "Loopback",
		Description:        "In-memory bus, frames sent by one endpoint reach every other endpoint",
		RequiresSerialPort: false,
		Capabilities: AdapterCapabilities{
			HSCAN:    true,
			Extended: true,
		},
		New: func(cfg *AdapterConfig) (Adapter, error) {
			return defaultWire.Adapter("Loopback", cfg), nil
		},
	}); err != nil {
		panic(err)
	}
}

var defaultWire = NewLoopbackWire()

// LoopbackWire is an in-memory CAN segment. It never loses a frame unless an
// endpoint's receive buffer is full.
type LoopbackWire struct {
	mu        sync.RWMutex
	endpoints map[*Loopback]struct{}
}

func NewLoopbackWire() *LoopbackWire {
	return &LoopbackWire{endpoints: make(map[*Loopback]struct{})}
}

// Adapter returns a new endpoint on the wire. It is attached on Open.
func (w *LoopbackWire) Adapter(name string, cfg *AdapterConfig) *Loopback {
	return &Loopback{
		BaseAdapter: NewBaseAdapter(name, cfg),
		wire:        w,
	}
}

func (w *LoopbackWire) attach(l *Loopback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.endpoints[l] = struct{}{}
}

func (w *LoopbackWire) detach(l *Loopback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.endpoints, l)
}

func (w *LoopbackWire) broadcast(from *Loopback, f *Frame) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for l := range w.endpoints {
		if l == from {
			continue
		}
		c := NewFrame(f.Identifier, f.Data, Incoming)
		c.Extended = f.Extended
		l.deliver(c)
	}
}

type Loopback struct {
	*BaseAdapter
	wire *LoopbackWire
}

func (l *Loopback) Open(ctx context.Context) error {
	if l.closed() {
		return fmt.Errorf("%s: adapter closed", l.name)
	}
	l.wire.attach(l)
	go l.sendManager(ctx)
	return nil
}

func (l *Loopback) Close() error {
	l.wire.detach(l)
	l.BaseAdapter.Close()
	return nil
}

func (l *Loopback) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closeChan:
			return
		case frame := <-l.sendChan:
			if l.cfg.Debug {
				l.cfg.OnMessage(">> " + frame.String())
			}
			l.wire.broadcast(l, frame)
		}
	}
}
