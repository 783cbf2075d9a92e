// Package connmgrtest provides in-memory radio collaborators for tests.
package connmgrtest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"btlink/internal/connmgr"
)

// Adapter is a scripted connmgr.Adapter and connmgr.EventSource.
type Adapter struct {
	mu          sync.Mutex
	powered     bool
	discovering bool
	bonded      []connmgr.Device
	calls       []string
	windows     []time.Duration
	watches     int

	StartErr        error
	CancelErr       error
	PowerErr        error
	DiscoverableErr error
	BondedErr       error
	EventsErr       error

	events chan connmgr.Event
}

var (
	_ connmgr.Adapter     = (*Adapter)(nil)
	_ connmgr.EventSource = (*Adapter)(nil)
)

// NewAdapter returns a powered, idle adapter.
func NewAdapter() *Adapter {
	return &Adapter{powered: true, events: make(chan connmgr.Event, 32)}
}

func (a *Adapter) record(call string) {
	a.calls = append(a.calls, call)
}

// Calls returns the adapter methods invoked so far, in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// DiscoverableWindows returns every RequestDiscoverable duration.
func (a *Adapter) DiscoverableWindows() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.windows...)
}

// Watches counts WatchDevices calls.
func (a *Adapter) Watches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watches
}

func (a *Adapter) SetPowered(on bool) {
	a.mu.Lock()
	a.powered = on
	a.mu.Unlock()
}

func (a *Adapter) SetDiscovering(on bool) {
	a.mu.Lock()
	a.discovering = on
	a.mu.Unlock()
}

func (a *Adapter) SetBonded(devs ...connmgr.Device) {
	a.mu.Lock()
	a.bonded = devs
	a.mu.Unlock()
}

func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered
}

func (a *Adapter) Discovering() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discovering
}

func (a *Adapter) PowerOn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("PowerOn")
	if a.PowerErr != nil {
		return a.PowerErr
	}
	a.powered = true
	return nil
}

func (a *Adapter) StartDiscovery() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("StartDiscovery")
	if a.StartErr != nil {
		return a.StartErr
	}
	a.discovering = true
	return nil
}

func (a *Adapter) CancelDiscovery() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("CancelDiscovery")
	if a.CancelErr != nil {
		return a.CancelErr
	}
	a.discovering = false
	return nil
}

func (a *Adapter) BondedDevices() ([]connmgr.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("BondedDevices")
	if a.BondedErr != nil {
		return nil, a.BondedErr
	}
	return append([]connmgr.Device(nil), a.bonded...), nil
}

func (a *Adapter) RequestDiscoverable(d time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("RequestDiscoverable")
	a.windows = append(a.windows, d)
	return a.DiscoverableErr
}

// Emit queues an event for the subscriber returned by Events.
func (a *Adapter) Emit(ev connmgr.Event) {
	a.events <- ev
}

func (a *Adapter) Events(ctx context.Context) (<-chan connmgr.Event, error) {
	a.mu.Lock()
	err := a.EventsErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan connmgr.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-a.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchDevices() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("WatchDevices")
	a.watches++
	return nil
}

// Conn is an in-memory connmgr.Conn backed by net.Pipe.
type Conn struct {
	net.Conn
	remote string
	peer   net.Conn

	mu     sync.Mutex
	closes int
}

// NewConn returns a connection to remote. Peer is the other end of the pipe.
func NewConn(remote string) *Conn {
	local, peer := net.Pipe()
	return &Conn{Conn: local, remote: remote, peer: peer}
}

func (c *Conn) RemoteAddress() string { return c.remote }

// Peer is the far end of the stream.
func (c *Conn) Peer() net.Conn { return c.peer }

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	_ = c.peer.Close()
	return c.Conn.Close()
}

// Closes counts Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Socket is a scripted outbound connmgr.Socket. Connect blocks until Release,
// Fail, Close or ctx, unless the socket was created with Immediate.
type Socket struct {
	*Conn
	Device connmgr.Device
	ID     uuid.UUID

	outcome chan error
	closed  chan struct{}
	once    sync.Once
}

var _ connmgr.Socket = (*Socket)(nil)

func newSocket(dev connmgr.Device, id uuid.UUID) *Socket {
	return &Socket{
		Conn:    NewConn(dev.Address),
		Device:  dev,
		ID:      id,
		outcome: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Release lets a blocked Connect succeed.
func (s *Socket) Release() { s.outcome <- nil }

// Fail makes a blocked Connect return err.
func (s *Socket) Fail(err error) { s.outcome <- err }

func (s *Socket) Connect(ctx context.Context) error {
	select {
	case err := <-s.outcome:
		return err
	case <-s.closed:
		return connmgr.ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.Conn.Close()
}

// Listener is a scripted connmgr.Listener.
type Listener struct {
	incoming chan acceptResult
	done     chan struct{}
	once     sync.Once
}

type acceptResult struct {
	conn connmgr.Conn
	err  error
}

var _ connmgr.Listener = (*Listener)(nil)

// Push delivers an inbound connection to Accept.
func (l *Listener) Push(c connmgr.Conn) { l.incoming <- acceptResult{conn: c} }

// Fail makes the next Accept return err.
func (l *Listener) Fail(err error) { l.incoming <- acceptResult{err: err} }

// Closed is closed once Close has been called.
func (l *Listener) Closed() <-chan struct{} { return l.done }

func (l *Listener) Accept(ctx context.Context) (connmgr.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, connmgr.ErrListenerClosed
	case r := <-l.incoming:
		return r.conn, r.err
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Factory is a scripted connmgr.SocketFactory. Sockets and listeners it
// hands out are published on the Sockets and Listeners channels.
type Factory struct {
	// Immediate makes new sockets connect without waiting for Release.
	Immediate bool
	ListenErr error
	SocketErr error

	Sockets   chan *Socket
	Listeners chan *Listener
}

var _ connmgr.SocketFactory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{
		Sockets:   make(chan *Socket, 16),
		Listeners: make(chan *Listener, 16),
	}
}

func (f *Factory) Listen(_ context.Context, _ string, _ uuid.UUID) (connmgr.Listener, error) {
	if f.ListenErr != nil {
		return nil, f.ListenErr
	}
	l := &Listener{
		incoming: make(chan acceptResult),
		done:     make(chan struct{}),
	}
	f.Listeners <- l
	return l, nil
}

func (f *Factory) Socket(dev connmgr.Device, id uuid.UUID) (connmgr.Socket, error) {
	if f.SocketErr != nil {
		return nil, f.SocketErr
	}
	s := newSocket(dev, id)
	if f.Immediate {
		s.Release()
	}
	f.Sockets <- s
	return s, nil
}
