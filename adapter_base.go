package j1939

import (
	"log"
	"path/filepath"
	"runtime"
	"sync"
)

type BaseAdapter struct {
	name               string
	cfg                *AdapterConfig
	sendChan, recvChan chan *Frame

	errOnce sync.Once
	errChan chan error

	evtChan chan Event

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewBaseAdapter(name string, cfg *AdapterConfig) *BaseAdapter {
	if cfg == nil {
		cfg = &AdapterConfig{}
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) { log.Println(msg) }
	}
	return &BaseAdapter{
		name:      name,
		cfg:       cfg,
		sendChan:  make(chan *Frame, 40),
		recvChan:  make(chan *Frame, 1024),
		errChan:   make(chan error, 1),
		evtChan:   make(chan Event, 100),
		closeChan: make(chan struct{}),
	}
}

// Name returns the adapter name.
func (base *BaseAdapter) Name() string {
	return base.name
}

// Return the send channel for the adapter
func (base *BaseAdapter) Send() chan<- *Frame {
	return base.sendChan
}

// Return the receive channel for the adapter
func (base *BaseAdapter) Recv() <-chan *Frame {
	return base.recvChan
}

// Return the error channel for the adapter
func (base *BaseAdapter) Err() <-chan error {
	return base.errChan
}

func (base *BaseAdapter) Event() <-chan Event {
	return base.evtChan
}

func (base *BaseAdapter) Close() {
	base.closeOnce.Do(func() {
		close(base.closeChan)
	})
}

func (base *BaseAdapter) closed() bool {
	select {
	case <-base.closeChan:
		return true
	default:
		return false
	}
}

// Fatal sets an adapter error after which communication cannot continue.
// Only the first error is kept.
func (base *BaseAdapter) Fatal(err error) {
	base.errOnce.Do(func() {
		select {
		case base.errChan <- Unrecoverable(err):
		default:
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Printf("%s:%d error channel full: %v\n", filepath.Base(file), no, err)
			} else {
				log.Printf("error channel full: %v", err)
			}
		}
	})
}

func (base *BaseAdapter) sendEvent(eventType EventType, details string) {
	select {
	case base.evtChan <- Event{Type: eventType, Adapter: base.name, Details: details}:
	default:
		_, file, no, ok := runtime.Caller(2)
		if ok {
			log.Printf("%s#%d event channel full: %s\n", filepath.Base(file), no, details)
		} else {
			log.Printf("event channel full: %s", details)
		}
	}
}

// Send an error event
func (base *BaseAdapter) Error(err error) {
	base.sendEvent(EventTypeError, err.Error())
}

// Send a warning event
func (base *BaseAdapter) Warn(warn string) {
	base.sendEvent(EventTypeWarning, warn)
}

// Send an info event
func (base *BaseAdapter) Info(info string) {
	base.sendEvent(EventTypeInfo, info)
}

// Send a debug event
func (base *BaseAdapter) Debug(debug string) {
	if base.cfg.Debug {
		base.sendEvent(EventTypeDebug, debug)
	}
}

// deliver hands f to the bus side without blocking the reader.
func (base *BaseAdapter) deliver(f *Frame) bool {
	select {
	case base.recvChan <- f:
		return true
	default:
		base.Error(ErrDroppedFrame)
		return false
	}
}
