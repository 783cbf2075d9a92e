// Package connmgr defines the platform collaborators used by the link core:
// the radio adapter, the raw discovery event stream, and the RFCOMM stream
// socket factory. On Linux they are implemented on top of BlueZ via D-Bus.
//
// Thread-safety: all Manager methods are safe for concurrent use. Close is
// idempotent.
package connmgr

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultServiceName is the SDP service name advertised by the listener.
	DefaultServiceName = "BLUETOOTH_APP"

	// DefaultAdapter is the BlueZ adapter used when none is configured.
	DefaultAdapter = "hci0"
)

// DefaultSessionUUID is the rendezvous identifier both ends use to locate the
// RFCOMM service. It selects the service, it is not a credential.
var DefaultSessionUUID = uuid.MustParse("22dfc9de-b21d-f7e5-c7fc-37425c9f917e")

// Device is a peer as reported by the radio stack.
//
// Address is the primary key. Path is the BlueZ Device1 object path and may be
// empty for devices that did not come from D-Bus. Name and Alias may be empty.
type Device struct {
	Path      string
	Address   string
	Name      string
	Alias     string
	Paired    bool
	Connected bool
}

// ScanMode is the local adapter's visibility to peers.
type ScanMode int

const (
	ScanModeUnknown ScanMode = iota
	// ScanModeNone: neither connectable nor discoverable.
	ScanModeNone
	// ScanModeConnectable: connectable by bonded peers, not discoverable.
	ScanModeConnectable
	// ScanModeConnectableDiscoverable: visible to peers performing discovery.
	ScanModeConnectableDiscoverable
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeNone:
		return "none"
	case ScanModeConnectable:
		return "connectable"
	case ScanModeConnectableDiscoverable:
		return "connectable_discoverable"
	default:
		return "unknown"
	}
}

// Event is a notification from the radio stack. The set of variants is
// closed: DeviceFound, ScanModeChanged and ConnectionStateChanged.
type Event interface {
	event()
}

// DeviceFound is emitted when discovery sees a peer, new or already known.
type DeviceFound struct {
	Device Device
}

// ScanModeChanged is emitted when the adapter's visibility changes.
type ScanModeChanged struct {
	Mode ScanMode
}

// ConnectionStateChanged is emitted when a peer's link-layer connection
// goes up or down.
type ConnectionStateChanged struct {
	Address   string
	Connected bool
}

func (DeviceFound) event()            {}
func (ScanModeChanged) event()        {}
func (ConnectionStateChanged) event() {}

// Adapter is the local radio.
type Adapter interface {
	// Enabled reports whether the adapter exists and is powered.
	Enabled() bool
	// Discovering reports whether an inquiry scan is in progress.
	Discovering() bool
	// PowerOn asks the adapter to power up.
	PowerOn() error
	StartDiscovery() error
	CancelDiscovery() error
	// BondedDevices returns the peers paired with this adapter.
	BondedDevices() ([]Device, error)
	// RequestDiscoverable makes the adapter visible to peers for d.
	RequestDiscoverable(d time.Duration) error
}

// EventSource delivers raw radio events.
type EventSource interface {
	// Events subscribes to the radio event stream. The channel is closed when
	// ctx is done or the source shuts down.
	Events(ctx context.Context) (<-chan Event, error)
	// WatchDevices (re)arms the device-found subscription.
	WatchDevices() error
}

// Conn is an established RFCOMM stream. Close releases the transport handle.
type Conn interface {
	io.ReadWriteCloser
	// RemoteAddress returns the peer address, or "" if it cannot be resolved.
	RemoteAddress() string
}

// Socket is an outbound stream that is not connected until Connect returns
// nil. Closing a Socket while Connect is blocked makes Connect fail; this is
// the only cancellation mechanism besides ctx.
type Socket interface {
	Conn
	Connect(ctx context.Context) error
}

// Listener accepts inbound streams for one service record. At most one
// inbound connection is held pending at a time.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done, or the listener
	// is closed (ErrListenerClosed).
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// SocketFactory creates RFCOMM endpoints for a session identifier.
type SocketFactory interface {
	Listen(ctx context.Context, serviceName string, id uuid.UUID) (Listener, error)
	Socket(dev Device, id uuid.UUID) (Socket, error)
}
