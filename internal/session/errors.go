package session

import (
	"errors"

	"btlink/internal/connmgr"
)

var (
	// ErrSessionBusy is returned by Connect while another outbound attempt is
	// still in flight. Retry after it completes, or Cancel it first.
	ErrSessionBusy = errors.New("session: outbound session busy")
	ErrClosed      = errors.New("session: supervisor closed")
	ErrNoAddress   = errors.New("session: device address required")
)

// transportError wraps err as a connmgr.TransportError unless it already is one.
func transportError(op, addr string, err error) error {
	var te *connmgr.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &connmgr.TransportError{Op: op, Address: addr, Err: err}
}
