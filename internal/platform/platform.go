// Package platform defines the capabilities the command link consumes from
// the host Bluetooth stack, and the events that stack delivers.
package platform

import (
	"context"
	"io"
)

// Adapter controls the local radio.
type Adapter interface {
	// IsEnabled reports whether the radio is powered.
	IsEnabled() (bool, error)

	// RequestEnable asks the platform to power the radio. Completion is
	// reported with a RadioStateChanged event.
	RequestEnable() error

	// Disable powers the radio down.
	Disable() error

	// StartDiscovery begins a device scan tagged scan. Devices are reported
	// with DeviceFound events and the end of the scan with a
	// DiscoveryFinished carrying the same tag.
	StartDiscovery(scan uint64) error
}

// Device is a platform handle for a remote device.
type Device struct {
	Address string
	// ID is the platform's own identifier, e.g. a D-Bus object path.
	ID string
}

// Directory resolves remote devices.
type Directory interface {
	// Resolve maps a textual address to a device handle.
	Resolve(address string) (Device, error)

	// RequestServiceDiscovery starts a service lookup on dev. The result is
	// reported with a ServicesResolved event.
	RequestServiceDiscovery(dev Device) error
}

// Stream is an open byte-stream link to a remote service.
type Stream interface {
	io.ReadWriteCloser
}

// Transport opens serial streams.
type Transport interface {
	Open(ctx context.Context, address, serviceID string) (Stream, error)
}

// Event is a notification delivered by the platform.
type Event interface {
	isEvent()
}

// RadioStateChanged reports a radio power transition.
type RadioStateChanged struct {
	Enabled bool
}

// DeviceFound reports one device seen during a scan.
type DeviceFound struct {
	Name    string
	Address string
}

// DiscoveryFinished reports the end of a scan. Scan is the tag passed to
// StartDiscovery, or zero when the platform cannot tell which scan ended.
type DiscoveryFinished struct {
	Scan uint64
}

// ServicesResolved reports the service UUIDs of a remote device. UUIDs is nil
// when the platform had nothing to report.
type ServicesResolved struct {
	Address string
	UUIDs   []string
}

func (RadioStateChanged) isEvent() {}
func (DeviceFound) isEvent()       {}
func (DiscoveryFinished) isEvent() {}
func (ServicesResolved) isEvent()  {}

// EventHandler receives platform events. Implementations must not block.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f EventHandlerFunc) HandleEvent(ev Event) { f(ev) }

// EventSource delivers platform events to h until ctx is done.
type EventSource interface {
	Run(ctx context.Context, h EventHandler) error
}
