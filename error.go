package j1939

import (
	"errors"

	"github.com/roffe/j1939/pkg/multiqueue"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable marks an adapter error after which the bus cannot continue.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable reports whether err was not wrapped by Unrecoverable.
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}

var (
	ErrBusClosed     = multiqueue.ErrClosed
	ErrStreamTimeout = multiqueue.ErrTimeout
	ErrStreamClosed  = multiqueue.ErrStreamClosed

	ErrNilAdapter     = errors.New("adapter is nil")
	ErrDroppedFrame   = errors.New("adapter incoming channel full")
	ErrSendTimeout    = errors.New("timeout sending frame")
	ErrPacketTooLarge = errors.New("packet does not fit in one frame")
)
