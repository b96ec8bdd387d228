package bluez

import (
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName         = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsSignal     = propsIface + ".PropertiesChanged"
	addedSignal     = objManagerIface + ".InterfacesAdded"
)

// adapterObjectPath converts an adapter name like "hci0" to "/org/bluez/hci0".
func adapterObjectPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path under
// adapter.
func macFromPath(adapter, path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		// service or characteristic object below the device
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// normalizeAddress validates a Bluetooth address and returns it in BlueZ's
// upper-case colon form.
func normalizeAddress(addr string) (string, error) {
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return "", err
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%q is not a 48-bit address", addr)
	}
	return strings.ToUpper(hw.String()), nil
}
