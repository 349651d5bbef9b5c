package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/roffe/j1939"
)

// anySource matches packets from every address.
const anySource = 0x100

type route struct {
	pgn    uint32
	source uint16
}

// waiter collects the packets routed to one request. Delivery never blocks
// the router: packets pile up in pending until the request reads them.
type waiter struct {
	route
	acks bool

	mu      sync.Mutex
	pending []*j1939.Packet
	notify  chan struct{}
}

func (w *waiter) push(p *j1939.Packet) {
	w.mu.Lock()
	w.pending = append(w.pending, p)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter) pop() *j1939.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	p := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	return p
}

// router reads one stream from the bus and hands each packet to the
// requests waiting for its group number and source.
type router struct {
	bus   j1939.Bus
	debug bool

	mu      sync.Mutex
	waiters map[route]map[*waiter]struct{}

	err  error
	done chan struct{}
}

func newRouter(ctx context.Context, bus j1939.Bus, debug bool) (*router, error) {
	r := &router{
		bus:     bus,
		debug:   debug,
		waiters: make(map[route]map[*waiter]struct{}),
		done:    make(chan struct{}),
	}
	feed, err := j1939.Follow(ctx, bus, j1939.Received)
	if err != nil {
		return nil, err
	}
	go r.run(feed)
	return r, nil
}

func (r *router) run(feed *j1939.Stream) {
	for {
		p, err := feed.Next()
		if err != nil {
			if errors.Is(err, j1939.ErrStreamClosed) {
				err = ErrClosed
			}
			r.stop(err)
			return
		}
		r.dispatch(p)
	}
}

func (r *router) stop(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *router) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *router) dispatch(p *j1939.Packet) {
	me := r.bus.Address()
	if p.Destination != me && !p.IsGlobal() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver(route{p.PGN, uint16(p.Source)}, p, false)
	r.deliver(route{p.PGN, anySource}, p, false)

	ack, err := ParseAcknowledgment(p)
	if err != nil || ack.PGN == j1939.PGNAcknowledgment {
		return
	}
	if p.Destination != me && ack.Address != me {
		return
	}
	if r.debug {
		log.Printf("conversation: %s", ack)
	}
	r.deliver(route{ack.PGN, uint16(p.Source)}, p, true)
	r.deliver(route{ack.PGN, anySource}, p, true)
}

func (r *router) deliver(k route, p *j1939.Packet, isAck bool) {
	for w := range r.waiters[k] {
		if isAck && !w.acks {
			continue
		}
		w.push(p)
	}
}

// register starts routing packets of pgn from source to a new waiter.
// source anySource matches every sender. With acks the waiter also gets
// acknowledgments of pgn addressed to this node.
func (r *router) register(pgn uint32, source uint16, acks bool) (*waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	w := &waiter{
		route:  route{pgn, source},
		acks:   acks,
		notify: make(chan struct{}, 1),
	}
	set, ok := r.waiters[w.route]
	if !ok {
		set = make(map[*waiter]struct{})
		r.waiters[w.route] = set
	}
	set[w] = struct{}{}
	return w, nil
}

func (r *router) unregister(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.waiters[w.route]
	delete(set, w)
	if len(set) == 0 {
		delete(r.waiters, w.route)
	}
}

// wait returns the next packet for w. It returns nil once expired fires.
func (r *router) wait(ctx context.Context, w *waiter, expired <-chan time.Time) (*j1939.Packet, error) {
	for {
		if p := w.pop(); p != nil {
			return p, nil
		}
		select {
		case <-w.notify:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			// hand out what was routed before the feed ended
			if p := w.pop(); p != nil {
				return p, nil
			}
			return nil, r.Err()
		}
	}
}
