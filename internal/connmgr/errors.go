package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrRadioUnavailable means the adapter is missing, powered off, or access
	// to it was denied.
	ErrRadioUnavailable = errors.New("connmgr: radio unavailable")
	// ErrListenerClosed is returned by Accept after the listener was closed.
	ErrListenerClosed = errors.New("connmgr: listener closed")
	// ErrSocketClosed is returned by Connect after the socket was closed.
	ErrSocketClosed = errors.New("connmgr: socket closed")
	ErrClosed       = errors.New("connmgr: closed")
)

// TransportError reports an I/O failure on an RFCOMM endpoint.
type TransportError struct {
	Op      string // accept, connect, listen or close
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("connmgr: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connmgr: %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
