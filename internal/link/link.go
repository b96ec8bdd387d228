// Package link is the robot command link: radio control, discovery, the
// connection table, and the frame broadcaster behind one API.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mil-ad/mechlink/internal/adapter"
	"github.com/mil-ad/mechlink/internal/discovery"
	"github.com/mil-ad/mechlink/internal/frame"
	"github.com/mil-ad/mechlink/internal/platform"
	"github.com/mil-ad/mechlink/internal/registry"
	"github.com/mil-ad/mechlink/internal/stream"
)

// Config holds the per-operation timeouts and the transmit pacing.
type Config struct {
	EnableTimeout    time.Duration
	ScanTimeout      time.Duration
	ServiceTimeout   time.Duration
	ConnectTimeout   time.Duration
	TransmitInterval time.Duration
	Logger           *slog.Logger
}

// Link composes the command link components.
type Link struct {
	radio     platform.Adapter
	adapter   *adapter.Controller
	discovery *discovery.Coordinator
	registry  *registry.Registry
	frame     *stream.Buffer
	tx        *stream.Transmitter
	logger    *slog.Logger
}

// New wires a Link over the platform capabilities. Events from the platform
// must be delivered to the returned Link's HandleEvent.
func New(radio platform.Adapter, dir platform.Directory, transport platform.Transport, cfg Config) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buf := stream.NewBuffer()
	return &Link{
		radio:   radio,
		adapter: adapter.NewController(radio, cfg.EnableTimeout, logger.With("component", "adapter")),
		discovery: discovery.NewCoordinator(radio, dir, discovery.Options{
			ScanTimeout:    cfg.ScanTimeout,
			ServiceTimeout: cfg.ServiceTimeout,
			Logger:         logger.With("component", "discovery"),
		}),
		registry: registry.New(transport, cfg.ConnectTimeout, logger.With("component", "registry")),
		frame:    buf,
		tx:       stream.NewTransmitter(buf, cfg.TransmitInterval, logger.With("component", "transmitter")),
		logger:   logger,
	}
}

// Enable powers the radio.
func (l *Link) Enable(ctx context.Context) error {
	return classify(ErrAdapter, l.adapter.Enable(ctx))
}

// Disable powers the radio down.
func (l *Link) Disable() error {
	return classify(ErrAdapter, l.adapter.Disable())
}

// DiscoverDevices scans for nearby devices.
func (l *Link) DiscoverDevices(ctx context.Context) ([]discovery.Device, error) {
	devices, err := l.discovery.DiscoverDevices(ctx)
	if err != nil {
		return nil, classify(ErrDiscoveryStart, err)
	}
	return devices, nil
}

// ServiceIDs lists the service UUIDs offered by the device at address.
func (l *Link) ServiceIDs(ctx context.Context, address string) ([]string, error) {
	ids, err := l.discovery.ServiceIDs(ctx, address)
	if err != nil {
		return nil, classify(ErrDeviceLookup, err)
	}
	return ids, nil
}

// Connect opens a serial stream to serviceID on the device at address and
// points the frame broadcaster at it.
func (l *Link) Connect(ctx context.Context, address, serviceID string) (registry.Handle, error) {
	id, err := uuid.Parse(serviceID)
	if err != nil {
		return 0, fmt.Errorf("%w: service id %q: %w", ErrConnect, serviceID, err)
	}

	h, conn, err := l.registry.Connect(ctx, address, id.String())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	l.tx.Start(conn.Writer(), conn.Done(), target(h))
	return h, nil
}

// Read returns the next registry.ReadLength bytes from the connection.
func (l *Link) Read(h registry.Handle) (string, error) {
	text, err := l.registry.Read(h)
	switch {
	case errors.Is(err, registry.ErrInvalidHandle):
		return "", fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	return text, nil
}

// Write replaces the broadcast frame with c and returns the encoded frame.
// It does not touch the transport; the broadcaster picks the frame up at the
// start of its next cycle.
func (l *Link) Write(h registry.Handle, c frame.Command) (frame.Frame, error) {
	if _, err := l.registry.Get(h); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return l.frame.Replace(c), nil
}

// Disconnect closes the connection for h.
func (l *Link) Disconnect(h registry.Handle) error {
	err := l.registry.Disconnect(h)
	if errors.Is(err, registry.ErrInvalidHandle) {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	l.tx.StopIf(target(h))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// HandleEvent routes a platform event to the component waiting for it.
func (l *Link) HandleEvent(ev platform.Event) {
	l.adapter.HandleEvent(ev)
	l.discovery.HandleEvent(ev)
}

// Status is a point-in-time view of the link.
type Status struct {
	Enabled     bool            `json:"enabled"`
	Connections []registry.Info `json:"connections"`
	Transmitter stream.Stats    `json:"transmitter"`
	Frame       string          `json:"frame"`
}

// Status reports the radio, the open connections and the broadcaster.
func (l *Link) Status() Status {
	enabled, err := l.radio.IsEnabled()
	if err != nil {
		l.logger.Debug("read radio state", "error", err)
	}
	return Status{
		Enabled:     enabled,
		Connections: l.registry.List(),
		Transmitter: l.tx.Stats(),
		Frame:       l.frame.Snapshot().String(),
	}
}

// Close closes every connection and then stops the broadcaster. Closing the
// streams first releases a broadcaster blocked on a stalled link.
func (l *Link) Close() error {
	err := l.registry.CloseAll()
	l.tx.Stop()
	return err
}

func target(h registry.Handle) string {
	return strconv.Itoa(int(h))
}

var _ platform.EventHandler = (*Link)(nil)
