package bluez

import (
	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/mechlink/internal/platform"
)

// translate decodes one BlueZ signal into platform events.
//
// DeviceFound is produced for newly added devices, and for known devices
// whose RSSI changes while scanning is true. Name may be empty when the
// signal does not carry one. DiscoveryFinished is produced whenever the
// adapter stops discovering; the caller decides whether a scan was running.
func translate(adapter dbus.ObjectPath, sig *dbus.Signal, scanning bool) []platform.Event {
	switch sig.Name {
	case addedSignal:
		return translateAdded(adapter, sig)
	case propsSignal:
		return translateChanged(adapter, sig, scanning)
	}
	return nil
}

func translateAdded(adapter dbus.ObjectPath, sig *dbus.Signal) []platform.Event {
	// Body: [object_path ObjectPath, interfaces map[string]map[string]Variant]
	if len(sig.Body) < 2 {
		return nil
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return nil
	}
	addr := stringProp(props, "Address")
	if addr == "" {
		addr = macFromPath(adapter, path)
	}
	if addr == "" {
		return nil
	}
	return []platform.Event{platform.DeviceFound{Name: deviceName(props), Address: addr}}
}

func translateChanged(adapter dbus.ObjectPath, sig *dbus.Signal, scanning bool) []platform.Event {
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return nil
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil
	}

	var events []platform.Event
	switch iface {
	case adapterIface:
		if sig.Path != adapter {
			return nil
		}
		if v, ok := changed["Powered"]; ok {
			if on, ok := v.Value().(bool); ok {
				events = append(events, platform.RadioStateChanged{Enabled: on})
			}
		}
		if v, ok := changed["Discovering"]; ok {
			if on, ok := v.Value().(bool); ok && !on {
				events = append(events, platform.DiscoveryFinished{})
			}
		}

	case deviceIface:
		addr := macFromPath(adapter, sig.Path)
		if addr == "" {
			return nil
		}
		if _, ok := changed["RSSI"]; ok && scanning {
			events = append(events, platform.DeviceFound{Name: deviceName(changed), Address: addr})
		}
		if v, ok := changed["UUIDs"]; ok {
			uuids, _ := v.Value().([]string)
			events = append(events, platform.ServicesResolved{Address: addr, UUIDs: uuids})
		}
	}
	return events
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// deviceName prefers the remote name and falls back to the local alias.
func deviceName(props map[string]dbus.Variant) string {
	if n := stringProp(props, "Name"); n != "" {
		return n
	}
	return stringProp(props, "Alias")
}
