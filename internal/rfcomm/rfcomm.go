// Package rfcomm opens Bluetooth serial streams with kernel RFCOMM sockets.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/mil-ad/mechlink/internal/platform"
)

// SerialPortProfile is the well-known SPP service class.
const SerialPortProfile = "00001101-0000-1000-8000-00805f9b34fb"

const (
	maxChannel           = 30
	defaultProbeChannels = 5
	pollStep             = 100 * time.Millisecond
)

// Config maps service UUIDs to RFCOMM channels. Services without a mapping
// are tried on channels 1..ProbeChannels in turn.
type Config struct {
	Channels      map[string]uint8
	ProbeChannels int
}

// Transport dials RFCOMM channels.
type Transport struct {
	channels map[uuid.UUID]uint8
	probe    int
	logger   *slog.Logger
}

// New validates cfg and returns a Transport.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		channels: map[uuid.UUID]uint8{uuid.MustParse(SerialPortProfile): 1},
		probe:    cfg.ProbeChannels,
		logger:   logger,
	}
	if t.probe <= 0 {
		t.probe = defaultProbeChannels
	}
	if t.probe > maxChannel {
		t.probe = maxChannel
	}
	for s, ch := range cfg.Channels {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("rfcomm channel map: %q: %w", s, err)
		}
		if ch < 1 || ch > maxChannel {
			return nil, fmt.Errorf("rfcomm channel map: %s: channel %d out of range", s, ch)
		}
		t.channels[id] = ch
	}
	return t, nil
}

func (t *Transport) channelsFor(serviceID string) ([]uint8, error) {
	id, err := uuid.Parse(serviceID)
	if err != nil {
		return nil, fmt.Errorf("service id %q: %w", serviceID, err)
	}
	if ch, ok := t.channels[id]; ok {
		return []uint8{ch}, nil
	}
	chans := make([]uint8, t.probe)
	for i := range chans {
		chans[i] = uint8(i + 1)
	}
	return chans, nil
}

// Open connects to serviceID on the device at address.
func (t *Transport) Open(ctx context.Context, address, serviceID string) (platform.Stream, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	chans, err := t.channelsFor(serviceID)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ch := range chans {
		f, err := dial(ctx, addr, ch)
		if err == nil {
			t.logger.Debug("rfcomm connected", "address", address, "channel", ch)
			return f, nil
		}
		errs = append(errs, fmt.Errorf("channel %d: %w", ch, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("rfcomm %s: %w", address, errors.Join(errs...))
}

// parseAddress converts "AA:BB:CC:DD:EE:FF" to the kernel's little-endian
// bdaddr layout.
func parseAddress(s string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, err
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("%q is not a 48-bit address", s)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

func dial(ctx context.Context, addr [6]byte, channel uint8) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}
	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		err = waitConnected(ctx, fd)
	}
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	// A non-blocking fd gets a pollable File, so Close unblocks readers.
	return os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%d", channel)), nil
}

func waitConnected(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(pollStep/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("getsockopt: %w", err)
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

var _ platform.Transport = (*Transport)(nil)
