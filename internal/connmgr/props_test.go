package connmgr

import (
	"errors"
	"io"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMacFromPath(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"))
	assert.Empty(t, macFromPath("/org/bluez/hci0"))
}

func TestDevicePathRoundTrip(t *testing.T) {
	p := devicePath(adapterPath("hci1"), " aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"), p)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(p))
}

func TestDeviceFromIfaces(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")

	t.Run("full record", func(t *testing.T) {
		dev, ok := deviceFromIfaces(path, map[string]map[string]dbus.Variant{
			deviceIface: {
				"Address":   dbus.MakeVariant("11:22:33:44:55:66"),
				"Name":      dbus.MakeVariant("Phone"),
				"Alias":     dbus.MakeVariant("My Phone"),
				"Paired":    dbus.MakeVariant(true),
				"Connected": dbus.MakeVariant(false),
			},
		})
		require.True(t, ok)
		assert.Equal(t, Device{
			Path:    string(path),
			Address: "11:22:33:44:55:66",
			Name:    "Phone",
			Alias:   "My Phone",
			Paired:  true,
		}, dev)
	})

	t.Run("missing address falls back to path", func(t *testing.T) {
		dev, ok := deviceFromIfaces(path, map[string]map[string]dbus.Variant{
			deviceIface: {"Name": dbus.MakeVariant(42)},
		})
		require.True(t, ok)
		assert.Equal(t, "11:22:33:44:55:66", dev.Address)
		assert.Empty(t, dev.Name)
	})

	t.Run("not a device", func(t *testing.T) {
		_, ok := deviceFromIfaces(path, map[string]map[string]dbus.Variant{
			adapterIface: {"Powered": dbus.MakeVariant(true)},
		})
		assert.False(t, ok)
	})
}

func TestScanModeFromProps(t *testing.T) {
	v := dbus.MakeVariant
	cases := []struct {
		name  string
		props map[string]dbus.Variant
		want  ScanMode
	}{
		{"no powered property", map[string]dbus.Variant{}, ScanModeUnknown},
		{"powered off", map[string]dbus.Variant{"Powered": v(false), "Discoverable": v(true)}, ScanModeNone},
		{"discoverable", map[string]dbus.Variant{"Powered": v(true), "Discoverable": v(true)}, ScanModeConnectableDiscoverable},
		{"connectable", map[string]dbus.Variant{"Powered": v(true), "Discoverable": v(false), "Connectable": v(true)}, ScanModeConnectable},
		{"not connectable", map[string]dbus.Variant{"Powered": v(true), "Connectable": v(false)}, ScanModeNone},
		{"old bluez", map[string]dbus.Variant{"Powered": v(true)}, ScanModeConnectable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scanModeFromProps(tc.props))
		})
	}
}

func TestTouchesScanMode(t *testing.T) {
	assert.True(t, touchesScanMode(map[string]dbus.Variant{"Discoverable": dbus.MakeVariant(true)}))
	assert.False(t, touchesScanMode(map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}))
}

func TestFormatBDAddr(t *testing.T) {
	assert.Equal(t, "66:55:44:33:22:11", formatBDAddr([6]uint8{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}))
}

func TestTransportError(t *testing.T) {
	err := error(&TransportError{Op: "accept", Err: io.ErrUnexpectedEOF})
	assert.Equal(t, "connmgr: accept: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = &TransportError{Op: "connect", Address: "AA:BB", Err: io.EOF}
	assert.Equal(t, "connmgr: connect AA:BB: EOF", err.Error())
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}
