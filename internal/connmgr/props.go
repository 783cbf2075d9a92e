package connmgr

import (
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	bluezRoot            = dbus.ObjectPath("/org/bluez")
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// NormalizeAddress canonicalizes a peer address for use as a registry key.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

func adapterPath(name string) dbus.ObjectPath {
	return bluezRoot + dbus.ObjectPath("/"+name)
}

// devicePath builds the BlueZ object path of a peer under an adapter.
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return adapter + dbus.ObjectPath("/dev_"+strings.ReplaceAll(NormalizeAddress(addr), ":", "_"))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// deviceFromIfaces decodes the Device1 interface of a managed object. The
// returned Device may carry an empty Address if BlueZ sent garbage; callers
// decide what to do with it.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	return deviceFromProps(path, props), true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	mac := stringProp(props, "Address")
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:      string(path),
		Address:   NormalizeAddress(mac),
		Name:      stringProp(props, "Name"),
		Alias:     stringProp(props, "Alias"),
		Paired:    boolProp(props, "Paired"),
		Connected: boolProp(props, "Connected"),
	}
}

// scanModeFromProps maps Adapter1 properties onto a ScanMode. Older BlueZ
// releases have no Connectable property; a powered adapter is connectable.
func scanModeFromProps(props map[string]dbus.Variant) ScanMode {
	powered, okPowered := props["Powered"]
	if !okPowered {
		return ScanModeUnknown
	}
	if on, _ := powered.Value().(bool); !on {
		return ScanModeNone
	}
	if boolProp(props, "Discoverable") {
		return ScanModeConnectableDiscoverable
	}
	if v, ok := props["Connectable"]; ok {
		if c, _ := v.Value().(bool); !c {
			return ScanModeNone
		}
	}
	return ScanModeConnectable
}

// touchesScanMode reports whether a PropertiesChanged payload can alter the
// adapter's scan mode.
func touchesScanMode(changed map[string]dbus.Variant) bool {
	for _, k := range []string{"Powered", "Discoverable", "Connectable"} {
		if _, ok := changed[k]; ok {
			return true
		}
	}
	return false
}

// formatBDAddr renders a kernel bdaddr (least significant byte first).
func formatBDAddr(b [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		b, _ := v.Value().(bool)
		return b
	}
	return false
}
