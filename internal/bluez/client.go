// Package bluez implements the platform radio, device directory and event
// source on top of BlueZ's D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/mechlink/internal/platform"
)

// Client wraps a system D-Bus connection for BlueZ operations.
type Client struct {
	conn         *dbus.Conn
	adapter      dbus.ObjectPath
	scanDuration time.Duration
	logger       *slog.Logger

	// Events produced locally rather than by a BlueZ signal.
	local chan platform.Event

	mu       sync.Mutex
	scanning bool
	scanTag  uint64
	scanStop *time.Timer
}

// Dial connects to the system bus and checks that BlueZ is there.
// scanDuration bounds each StartDiscovery.
func Dial(adapterName string, scanDuration time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &Client{
		conn:         conn,
		adapter:      adapterObjectPath(adapterName),
		scanDuration: scanDuration,
		logger:       logger,
		local:        make(chan platform.Event, 16),
	}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.scanStop != nil {
		c.scanStop.Stop()
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// --- property helpers ---

func (c *Client) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := c.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (c *Client) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := c.conn.Object(busName, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (c *Client) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := c.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (c *Client) getStrings(path dbus.ObjectPath, iface, prop string) ([]string, error) {
	v, err := c.getProp(path, iface, prop)
	if err != nil {
		return nil, err
	}
	val, ok := v.Value().([]string)
	if !ok {
		return nil, fmt.Errorf("property %s is not a string array", prop)
	}
	return val, nil
}

// --- adapter ---

// IsEnabled reports the adapter's Powered property.
func (c *Client) IsEnabled() (bool, error) {
	return c.getBool(c.adapter, adapterIface, "Powered")
}

// RequestEnable powers the adapter. BlueZ answers with a Powered change.
func (c *Client) RequestEnable() error {
	return c.setProp(c.adapter, adapterIface, "Powered", true)
}

// Disable powers the adapter down.
func (c *Client) Disable() error {
	return c.setProp(c.adapter, adapterIface, "Powered", false)
}

// StartDiscovery starts a scan that stops by itself after the configured
// scan duration.
func (c *Client) StartDiscovery(scan uint64) error {
	obj := c.conn.Object(busName, c.adapter)
	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = true
	c.scanTag = scan
	if c.scanStop != nil {
		c.scanStop.Stop()
	}
	c.scanStop = time.AfterFunc(c.scanDuration, func() { c.stopDiscovery(scan) })
	return nil
}

func (c *Client) stopDiscovery(scan uint64) {
	c.mu.Lock()
	current := c.scanning && c.scanTag == scan
	c.mu.Unlock()
	if !current {
		// Superseded by a newer StartDiscovery.
		return
	}

	obj := c.conn.Object(busName, c.adapter)
	if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		c.logger.Debug("stop discovery", "error", err)
	}
	// Other clients may keep the adapter discovering, so the end of our scan
	// is reported here rather than waiting for Discovering to flip.
	if tag, ok := c.finishScan(scan); ok {
		c.post(platform.DiscoveryFinished{Scan: tag})
	}
}

// finishScan marks the running scan finished and returns its tag. A non-zero
// scan only finishes the scan with that tag.
func (c *Client) finishScan(scan uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scanning || (scan != 0 && c.scanTag != scan) {
		return 0, false
	}
	c.scanning = false
	if c.scanStop != nil {
		c.scanStop.Stop()
		c.scanStop = nil
	}
	return c.scanTag, true
}

func (c *Client) isScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

func (c *Client) post(ev platform.Event) {
	select {
	case c.local <- ev:
	default:
		c.logger.Warn("event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// --- device ---

// Resolve maps an address to its BlueZ object path. The device does not have
// to be known to BlueZ yet.
func (c *Client) Resolve(address string) (platform.Device, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return platform.Device{}, err
	}
	return platform.Device{Address: addr, ID: string(deviceObjectPath(c.adapter, addr))}, nil
}

// RequestServiceDiscovery reports the device's cached UUIDs if BlueZ has
// them, and otherwise connects to the device so BlueZ runs SDP and publishes
// the UUIDs property.
func (c *Client) RequestServiceDiscovery(dev platform.Device) error {
	path := dbus.ObjectPath(dev.ID)
	uuids, err := c.getStrings(path, deviceIface, "UUIDs")
	if err == nil && len(uuids) > 0 {
		c.post(platform.ServicesResolved{Address: dev.Address, UUIDs: uuids})
		return nil
	}

	if isUnknownObject(err) {
		return fmt.Errorf("device %s unknown to bluez, run a scan first", dev.Address)
	}

	go func() {
		obj := c.conn.Object(busName, path)
		if err := obj.Call(deviceIface+".Connect", 0).Err; err != nil {
			c.logger.Debug("connect for service discovery", "address", dev.Address, "error", err)
		}
	}()
	return nil
}

func isUnknownObject(err error) bool {
	const name = "org.freedesktop.DBus.Error.UnknownObject"
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name == name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name == name
	}
	return false
}

// --- signal subscription ---

func (c *Client) addMatch(rule string) error {
	return c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

// Run delivers adapter and device events to h until ctx is done.
func (c *Client) Run(ctx context.Context, h platform.EventHandler) error {
	rules := []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objManagerIface + "',member='InterfacesAdded'",
	}
	for _, rule := range rules {
		if err := c.addMatch(rule); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
	}

	sigCh := make(chan *dbus.Signal, 64)
	c.conn.Signal(sigCh)
	defer c.conn.RemoveSignal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.local:
			h.HandleEvent(ev)
		case sig, ok := <-sigCh:
			if !ok {
				return errors.New("bus connection closed")
			}
			for _, ev := range translate(c.adapter, sig, c.isScanning()) {
				c.deliver(h, ev)
			}
		}
	}
}

func (c *Client) deliver(h platform.EventHandler, ev platform.Event) {
	switch e := ev.(type) {
	case platform.DiscoveryFinished:
		tag, ok := c.finishScan(0)
		if !ok {
			return
		}
		ev = platform.DiscoveryFinished{Scan: tag}
	case platform.DeviceFound:
		if e.Name == "" {
			path := deviceObjectPath(c.adapter, e.Address)
			if v, err := c.getProp(path, deviceIface, "Alias"); err == nil {
				e.Name, _ = v.Value().(string)
			}
			ev = e
		}
	}
	h.HandleEvent(ev)
}

var (
	_ platform.Adapter     = (*Client)(nil)
	_ platform.Directory   = (*Client)(nil)
	_ platform.EventSource = (*Client)(nil)
)
