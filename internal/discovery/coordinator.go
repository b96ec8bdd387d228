// Package discovery runs device scans and service lookups as blocking calls
// on top of the platform's event stream.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mil-ad/mechlink/internal/gate"
	"github.com/mil-ad/mechlink/internal/platform"
)

var (
	// ErrStart means the platform refused to begin a scan.
	ErrStart = errors.New("unable to start discovery")

	// ErrLookup means an address did not resolve to a platform device.
	ErrLookup = errors.New("device lookup failed")
)

// Device is one device reported during a scan.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Coordinator owns the scan result list and the two pending-operation gates.
type Coordinator struct {
	radio          platform.Adapter
	dir            platform.Directory
	scanTimeout    time.Duration
	serviceTimeout time.Duration
	logger         *slog.Logger

	scan     gate.Gate[[]Device]
	services gate.Gate[[]string]

	mu    sync.Mutex
	found []Device
	scanN uint64 // tag of the current scan
	query string // address of the outstanding service lookup
}

// Options configures a Coordinator.
type Options struct {
	ScanTimeout    time.Duration
	ServiceTimeout time.Duration
	Logger         *slog.Logger
}

// NewCoordinator returns a coordinator driving radio and dir.
func NewCoordinator(radio platform.Adapter, dir platform.Directory, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		radio:          radio,
		dir:            dir,
		scanTimeout:    opts.ScanTimeout,
		serviceTimeout: opts.ServiceTimeout,
		logger:         opts.Logger,
	}
}

// DiscoverDevices runs one scan and returns every device reported during it,
// in the order the platform reported them. Duplicates are kept.
func (c *Coordinator) DiscoverDevices(ctx context.Context) ([]Device, error) {
	if err := c.scan.Arm(); err != nil {
		return nil, err
	}

	// Each scan gets a fresh tag; a finish carrying an older tag is ignored.
	c.mu.Lock()
	c.found = []Device{}
	c.scanN++
	scan := c.scanN
	c.mu.Unlock()

	if err := c.radio.StartDiscovery(scan); err != nil {
		c.scan.Disarm()
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	devices, err := c.scan.Await(ctx, c.scanTimeout)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("discovery finished", "devices", len(devices))
	return devices, nil
}

// ServiceIDs asks the platform for the service UUIDs of the device at
// address and blocks until they arrive.
func (c *Coordinator) ServiceIDs(ctx context.Context, address string) ([]string, error) {
	dev, err := c.dir.Resolve(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}

	if err := c.services.Arm(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.query = dev.Address
	c.mu.Unlock()

	c.logger.Debug("listing service ids", "address", dev.Address)
	if err := c.dir.RequestServiceDiscovery(dev); err != nil {
		c.services.Disarm()
		return nil, fmt.Errorf("request service discovery: %w", err)
	}
	return c.services.Await(ctx, c.serviceTimeout)
}

// HandleEvent feeds platform events into the pending operations. It never
// blocks.
func (c *Coordinator) HandleEvent(ev platform.Event) {
	switch ev := ev.(type) {
	case platform.DeviceFound:
		c.mu.Lock()
		c.found = append(c.found, Device{Name: ev.Name, Address: ev.Address})
		c.mu.Unlock()
		c.logger.Debug("device found", "name", ev.Name, "address", ev.Address)

	case platform.DiscoveryFinished:
		c.mu.Lock()
		current := c.scanN
		devices := slices.Clone(c.found)
		c.mu.Unlock()
		if ev.Scan != current {
			c.logger.Debug("ignoring finish of an earlier scan", "scan", ev.Scan, "current", current)
			return
		}
		if devices == nil {
			devices = []Device{}
		}
		c.scan.Signal(devices)

	case platform.ServicesResolved:
		// An empty list is not an answer; wait for the next one.
		if len(ev.UUIDs) == 0 {
			return
		}
		c.mu.Lock()
		query := c.query
		c.mu.Unlock()
		if query != "" && !strings.EqualFold(query, ev.Address) {
			return
		}
		c.logger.Debug("service ids resolved", "address", ev.Address, "count", len(ev.UUIDs))
		c.services.Signal(slices.Clone(ev.UUIDs))
	}
}

var _ platform.EventHandler = (*Coordinator)(nil)
