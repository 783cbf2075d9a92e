package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btlink/internal/connmgr"
	"btlink/internal/connmgr/connmgrtest"
	"btlink/internal/logging"
	"btlink/internal/registry"
)

func newController(t *testing.T) (*Controller, *connmgrtest.Adapter, *registry.Registry) {
	t.Helper()
	a := connmgrtest.NewAdapter()
	reg := registry.New()
	return New(a, a, reg, DefaultConfig(), logging.Nop()), a, reg
}

func TestStart(t *testing.T) {
	c, a, _ := newController(t)
	require.NoError(t, c.Start())
	assert.True(t, a.Discovering())

	// Already discovering: no second StartDiscovery.
	require.NoError(t, c.Start())
	assert.Equal(t, []string{"StartDiscovery"}, a.Calls())
}

func TestStartRadioUnavailable(t *testing.T) {
	c, a, _ := newController(t)
	a.SetPowered(false)
	err := c.Start()
	assert.ErrorIs(t, err, connmgr.ErrRadioUnavailable)
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.Empty(t, a.Calls())
}

func TestStartReportsStackError(t *testing.T) {
	c, a, _ := newController(t)
	boom := errors.New("org.bluez.Error.InProgress")
	a.StartErr = boom
	err := c.Start()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestToggle(t *testing.T) {
	c, a, _ := newController(t)
	require.NoError(t, c.Toggle())
	assert.True(t, a.Discovering())
	require.NoError(t, c.Toggle())
	assert.False(t, a.Discovering())
	assert.Equal(t, []string{"StartDiscovery", "CancelDiscovery"}, a.Calls())
}

func TestToggleReportsCancelError(t *testing.T) {
	c, a, _ := newController(t)
	a.SetDiscovering(true)
	boom := errors.New("org.bluez.Error.Failed")
	a.CancelErr = boom
	assert.ErrorIs(t, c.Toggle(), boom)
}

func TestOnDeviceFound(t *testing.T) {
	c, _, reg := newController(t)
	c.OnDeviceFound(connmgr.Device{Address: "aa:bb", Name: "Phone", Connected: true})
	c.OnDeviceFound(connmgr.Device{Address: "AA:BB"})
	c.OnDeviceFound(connmgr.Device{Address: "CC:DD"})

	assert.Equal(t, []registry.Device{
		{Name: "Phone", Address: "AA:BB"},
		{Address: "CC:DD"},
	}, reg.Snapshot())
}

func TestOnDeviceFoundDropsMalformed(t *testing.T) {
	c, _, reg := newController(t)
	c.OnDeviceFound(connmgr.Device{Name: "nobody", Path: "/org/bluez/hci0"})
	c.OnDeviceFound(connmgr.Device{Address: "   "})
	assert.Zero(t, reg.Len())
}

func TestOnScanModeChanged(t *testing.T) {
	cases := []struct {
		mode    connmgr.ScanMode
		windows []time.Duration
		watches int
	}{
		{connmgr.ScanModeNone, []time.Duration{300 * time.Second}, 0},
		{connmgr.ScanModeConnectable, []time.Duration{60 * time.Second}, 0},
		{connmgr.ScanModeConnectableDiscoverable, nil, 1},
		{connmgr.ScanModeUnknown, nil, 1},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			c, a, _ := newController(t)
			c.OnScanModeChanged(tc.mode)
			assert.Equal(t, tc.windows, a.DiscoverableWindows())
			assert.Equal(t, tc.watches, a.Watches())
		})
	}
}

func TestCustomWindows(t *testing.T) {
	a := connmgrtest.NewAdapter()
	c := New(a, a, registry.New(), Config{LongWindow: time.Minute}, logging.Nop())
	c.OnScanModeChanged(connmgr.ScanModeNone)
	c.OnScanModeChanged(connmgr.ScanModeConnectable)
	assert.Equal(t, []time.Duration{time.Minute, DefaultShortWindow}, a.DiscoverableWindows())
}

func TestLoadBonded(t *testing.T) {
	c, a, reg := newController(t)
	a.SetBonded(
		connmgr.Device{Address: "11:22", Name: "Headset", Paired: true},
		connmgr.Device{Path: "/broken"},
	)
	require.NoError(t, c.LoadBonded())
	assert.Equal(t, []registry.Device{{Name: "Headset", Address: "11:22", Connected: true}}, reg.Snapshot())
}

func TestLoadBondedErrors(t *testing.T) {
	c, a, _ := newController(t)
	boom := errors.New("no adapter object")
	a.BondedErr = boom
	err := c.LoadBonded()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrStartFailed)

	a.SetPowered(false)
	assert.ErrorIs(t, c.LoadBonded(), connmgr.ErrRadioUnavailable)
}

func TestRunDispatchesEvents(t *testing.T) {
	c, a, reg := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	changed := reg.Changed()
	a.Emit(connmgr.DeviceFound{Device: connmgr.Device{Address: "AA:BB", Name: "Phone"}})
	a.Emit(connmgr.ConnectionStateChanged{Address: "aa:bb", Connected: true})
	a.Emit(connmgr.ScanModeChanged{Mode: connmgr.ScanModeConnectable})

	require.Eventually(t, func() bool {
		d, ok := reg.Get("AA:BB")
		return ok && d.Connected && len(a.DiscoverableWindows()) == 1
	}, time.Second, 5*time.Millisecond)
	select {
	case <-changed:
	default:
		t.Fatal("registry change not signalled")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunReportsSubscribeFailure(t *testing.T) {
	c, a, _ := newController(t)
	boom := errors.New("org.freedesktop.DBus.Error.AccessDenied")
	a.EventsErr = boom

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestConnectionStateForUnknownDevice(t *testing.T) {
	c, _, reg := newController(t)
	c.Dispatch(connmgr.ConnectionStateChanged{Address: "EE:FF", Connected: true})
	c.Dispatch(connmgr.ConnectionStateChanged{Connected: true})
	assert.Zero(t, reg.Len())
}
