//go:build linux

package connmgr

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fdConn wraps an RFCOMM socket FD handed over by BlueZ.
type fdConn struct {
	f      *os.File
	remote string

	closeOnce sync.Once
	closeErr  error
}

// newFDConn takes ownership of fd. The FD is switched to non-blocking mode so
// the runtime poller backs it and Close interrupts a pending Read.
func newFDConn(fd int, fallback string) (*fdConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	remote := fallback
	if sa, err := unix.Getpeername(fd); err == nil {
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			remote = formatBDAddr(rc.Addr)
		}
	}
	return &fdConn{f: os.NewFile(uintptr(fd), "rfcomm"), remote: remote}, nil
}

func (c *fdConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *fdConn) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *fdConn) RemoteAddress() string       { return c.remote }

func (c *fdConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.f.Close()
	})
	return c.closeErr
}
