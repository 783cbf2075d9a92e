//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var pathCounter uint64

// Options configures a BlueZ Manager.
type Options struct {
	// Adapter is the HCI adapter name, e.g. "hci0".
	Adapter string
	Logger  zerolog.Logger
}

// Manager is the BlueZ backed Adapter, EventSource and SocketFactory. A
// single Manager owns the system bus connection for the process.
type Manager struct {
	mu     sync.Mutex
	closed bool

	bus     *dbus.Conn
	adapter dbus.ObjectPath
	log     zerolog.Logger

	clients map[uuid.UUID]*clientProfile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var (
	_ Adapter       = (*Manager)(nil)
	_ EventSource   = (*Manager)(nil)
	_ SocketFactory = (*Manager)(nil)
)

// New connects to the system bus and binds to the configured adapter.
func New(opts Options) (*Manager, error) {
	if opts.Adapter == "" {
		opts.Adapter = DefaultAdapter
	}
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrRadioUnavailable, err)
	}
	m := &Manager{
		bus:     c,
		adapter: adapterPath(opts.Adapter),
		log:     opts.Logger.With().Str("adapter", opts.Adapter).Logger(),
		clients: make(map[uuid.UUID]*clientProfile),
	}
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return m, nil
}

func (m *Manager) adapterObj() dbus.BusObject {
	return m.bus.Object(bluezService, m.adapter)
}

func (m *Manager) adapterBool(prop string) bool {
	v, err := m.adapterObj().GetProperty(adapterIface + "." + prop)
	if err != nil {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func (m *Manager) setAdapterProp(prop string, value interface{}) error {
	call := m.adapterObj().Call(propsIface+".Set", 0, adapterIface, prop, dbus.MakeVariant(value))
	return call.Err
}

func (m *Manager) Enabled() bool {
	if m.isClosed() {
		return false
	}
	return m.adapterBool("Powered")
}

func (m *Manager) Discovering() bool {
	if m.isClosed() {
		return false
	}
	return m.adapterBool("Discovering")
}

func (m *Manager) PowerOn() error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.setAdapterProp("Powered", true); err != nil {
		return fmt.Errorf("%w: power on %s: %v", ErrRadioUnavailable, m.adapter, err)
	}
	return nil
}

func (m *Manager) StartDiscovery() error {
	if m.isClosed() {
		return ErrClosed
	}
	if call := m.adapterObj().Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("connmgr: StartDiscovery: %w", call.Err)
	}
	return nil
}

func (m *Manager) CancelDiscovery() error {
	if m.isClosed() {
		return ErrClosed
	}
	if call := m.adapterObj().Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("connmgr: StopDiscovery: %w", call.Err)
	}
	return nil
}

func (m *Manager) RequestDiscoverable(d time.Duration) error {
	if m.isClosed() {
		return ErrClosed
	}
	secs := uint32(d / time.Second)
	if err := m.setAdapterProp("DiscoverableTimeout", secs); err != nil {
		return fmt.Errorf("connmgr: set DiscoverableTimeout: %w", err)
	}
	if err := m.setAdapterProp("Discoverable", true); err != nil {
		return fmt.Errorf("connmgr: set Discoverable: %w", err)
	}
	return nil
}

func (m *Manager) BondedDevices() ([]Device, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	objs, err := m.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objs {
		if !m.ownsDevice(path) {
			continue
		}
		if dev, ok := deviceFromIfaces(path, ifaces); ok && dev.Paired {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (m *Manager) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := m.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (m *Manager) ownsDevice(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(m.adapter)+"/dev_")
}

func deviceMatch() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
}

func propsMatch() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

// WatchDevices drops and re-adds the InterfacesAdded match rule.
func (m *Manager) WatchDevices() error {
	if m.isClosed() {
		return ErrClosed
	}
	_ = m.bus.RemoveMatchSignal(deviceMatch()...)
	if err := m.bus.AddMatchSignal(deviceMatch()...); err != nil {
		return fmt.Errorf("connmgr: AddMatchSignal(InterfacesAdded): %w", err)
	}
	return nil
}

func (m *Manager) Events(ctx context.Context) (<-chan Event, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if err := m.WatchDevices(); err != nil {
		return nil, err
	}
	if err := m.bus.AddMatchSignal(propsMatch()...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal(PropertiesChanged): %w", err)
	}
	sigCh := make(chan *dbus.Signal, 64)
	m.bus.Signal(sigCh)

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() {
			m.bus.RemoveSignal(sigCh)
			_ = m.bus.RemoveMatchSignal(propsMatch()...)
			_ = m.bus.RemoveMatchSignal(deviceMatch()...)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				for _, ev := range m.translate(sig) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// translate turns a D-Bus signal into zero or more radio events.
func (m *Manager) translate(sig *dbus.Signal) []Event {
	if sig == nil || len(sig.Body) < 2 {
		return nil
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil || !m.ownsDevice(path) {
			return nil
		}
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			return []Event{DeviceFound{Device: dev}}
		}
	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return nil
		}
		switch {
		case iface == adapterIface && sig.Path == m.adapter:
			if !touchesScanMode(changed) {
				return nil
			}
			return []Event{ScanModeChanged{Mode: m.scanMode()}}
		case iface == deviceIface && m.ownsDevice(sig.Path):
			var evs []Event
			addr := NormalizeAddress(macFromPath(sig.Path))
			if v, ok := changed["Connected"]; ok {
				up, _ := v.Value().(bool)
				evs = append(evs, ConnectionStateChanged{Address: addr, Connected: up})
			}
			_, rssi := changed["RSSI"]
			_, name := changed["Name"]
			if rssi || name {
				dev := deviceFromProps(sig.Path, changed)
				dev.Address = addr
				evs = append(evs, DeviceFound{Device: dev})
			}
			return evs
		}
	}
	return nil
}

func (m *Manager) scanMode() ScanMode {
	var props map[string]dbus.Variant
	call := m.adapterObj().Call(propsIface+".GetAll", 0, adapterIface)
	if call.Err != nil {
		return ScanModeUnknown
	}
	if err := call.Store(&props); err != nil {
		return ScanModeUnknown
	}
	return scanModeFromProps(props)
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	deliver func(dev dbus.ObjectPath, c *fdConn) *dbus.Error
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// RequestDisconnection is ignored; the session owning the FD closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the RFCOMM socket FD to whoever is waiting for it.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	c, err := newFDConn(int(fd), NormalizeAddress(macFromPath(dev)))
	if err != nil {
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}
	return p.deliver(dev, c)
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// registerProfile exports p at a unique path and registers it with BlueZ.
// The returned func undoes both.
func (m *Manager) registerProfile(kind string, id uuid.UUID, p *profile, opts map[string]dbus.Variant) (func(), error) {
	n := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btlink/connmgr/" + kind + "/p" + strconv.FormatUint(n, 10))
	if err := m.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	pm := m.bus.Object(bluezService, bluezRoot)
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, id.String(), opts); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("connmgr: RegisterProfile(%s): %w", kind, call.Err)
	}
	return func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = m.bus.Export(nil, path, profileInterfaceName)
	}, nil
}

// listener is a server-role profile with a one-slot pending queue.
type listener struct {
	pending    chan *fdConn
	done       chan struct{}
	unregister func()
	closeOnce  sync.Once
}

func (m *Manager) Listen(ctx context.Context, serviceName string, id uuid.UUID) (Listener, error) {
	_ = ctx // registration is fast and not cancellable via the D-Bus API.
	if m.isClosed() {
		return nil, ErrClosed
	}
	if serviceName == "" {
		return nil, errors.New("connmgr: service name required")
	}
	if !m.Enabled() {
		return nil, ErrRadioUnavailable
	}
	l := &listener{
		pending: make(chan *fdConn, 1),
		done:    make(chan struct{}),
	}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(serviceName),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	unregister, err := m.registerProfile("server", id, &profile{deliver: l.deliver}, opts)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	l.unregister = unregister
	m.log.Debug().Str("service", serviceName).Str("uuid", id.String()).Msg("server profile registered")
	return l, nil
}

func (l *listener) deliver(_ dbus.ObjectPath, c *fdConn) *dbus.Error {
	select {
	case <-l.done:
		_ = c.Close()
		return rejected("listener closed")
	default:
	}
	select {
	case l.pending <- c:
		return nil
	default:
		// One connection is already waiting for Accept.
		_ = c.Close()
		return rejected("connection already pending")
	}
}

func (l *listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case <-l.done:
		return nil, ErrListenerClosed
	case c := <-l.pending:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.unregister()
		select {
		case c := <-l.pending:
			_ = c.Close()
		default:
		}
	})
	return nil
}

// clientProfile routes client-role NewConnection FDs to the socket waiting
// on that device.
type clientProfile struct {
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan *fdConn
}

func (cp *clientProfile) expect(dev dbus.ObjectPath) chan *fdConn {
	ch := make(chan *fdConn, 1)
	cp.mu.Lock()
	cp.waiters[dev] = ch
	cp.mu.Unlock()
	return ch
}

func (cp *clientProfile) forget(dev dbus.ObjectPath, ch chan *fdConn) {
	cp.mu.Lock()
	if cp.waiters[dev] == ch {
		delete(cp.waiters, dev)
	}
	cp.mu.Unlock()
	select {
	case c := <-ch:
		_ = c.Close()
	default:
	}
}

func (cp *clientProfile) deliver(dev dbus.ObjectPath, c *fdConn) *dbus.Error {
	cp.mu.Lock()
	ch, ok := cp.waiters[dev]
	cp.mu.Unlock()
	if ok {
		select {
		case ch <- c:
			return nil
		default:
		}
	}
	_ = c.Close()
	return rejected("no receiver")
}

// clientFor registers the client-role profile for id once per Manager.
func (m *Manager) clientFor(id uuid.UUID) (*clientProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if cp, ok := m.clients[id]; ok {
		return cp, nil
	}
	cp := &clientProfile{waiters: make(map[dbus.ObjectPath]chan *fdConn)}
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	unregister, err := m.registerProfile("client", id, &profile{deliver: cp.deliver}, opts)
	if err != nil {
		return nil, err
	}
	m.cleanup = append(m.cleanup, unregister)
	m.clients[id] = cp
	return cp, nil
}

func (m *Manager) Socket(dev Device, id uuid.UUID) (Socket, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	addr := NormalizeAddress(dev.Address)
	path := dbus.ObjectPath(dev.Path)
	if path == "" {
		if addr == "" {
			return nil, errors.New("connmgr: device address required")
		}
		path = devicePath(m.adapter, addr)
	}
	if addr == "" {
		addr = NormalizeAddress(macFromPath(path))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		m:      m,
		path:   path,
		addr:   addr,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// socket is an outbound RFCOMM stream established through ConnectProfile.
type socket struct {
	m    *Manager
	path dbus.ObjectPath
	addr string
	id   uuid.UUID

	// ctx is canceled by Close to abort a blocked Connect.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *fdConn
	closed bool
}

var errNotConnected = errors.New("connmgr: socket not connected")

func (s *socket) RemoteAddress() string { return s.addr }

func (s *socket) Connect(ctx context.Context) error {
	cp, err := s.m.clientFor(s.id)
	if err != nil {
		return &TransportError{Op: "connect", Address: s.addr, Err: err}
	}
	wait := cp.expect(s.path)
	defer cp.forget(s.path, wait)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	devObj := s.m.bus.Object(bluezService, s.path)
	if v, err := devObj.GetProperty(deviceIface + ".Paired"); err == nil {
		if paired, ok := v.Value().(bool); ok && !paired {
			if err := devObj.CallWithContext(cctx, deviceIface+".Pair", 0).Err; err != nil {
				return s.connectErr("Pair", err)
			}
		}
	}
	if err := devObj.CallWithContext(cctx, deviceIface+".ConnectProfile", 0, s.id.String()).Err; err != nil {
		return s.connectErr("ConnectProfile", err)
	}

	select {
	case <-cctx.Done():
		return s.connectErr("wait NewConnection", cctx.Err())
	case c := <-wait:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = c.Close()
			return ErrSocketClosed
		}
		s.conn = c
		return nil
	}
}

func (s *socket) connectErr(step string, err error) error {
	if s.ctx.Err() != nil {
		return ErrSocketClosed
	}
	return &TransportError{Op: "connect", Address: s.addr, Err: fmt.Errorf("%s: %w", step, err)}
}

func (s *socket) current() (*fdConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSocketClosed
	}
	if s.conn == nil {
		return nil, errNotConnected
	}
	return s.conn, nil
}

func (s *socket) Read(p []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}

func (s *socket) Write(p []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

// Close is idempotent and unblocks a pending Connect.
func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()
	s.cancel()
	if c != nil {
		return c.Close()
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}
