package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/mechlink/internal/discovery"
	"github.com/mil-ad/mechlink/internal/frame"
	"github.com/mil-ad/mechlink/internal/platform"
	"github.com/mil-ad/mechlink/internal/registry"
)

const (
	robotAddr = "00:11:22:33:44:55"
	spp       = "00001101-0000-1000-8000-00805f9b34fb"
)

type memStream struct {
	in     io.Reader
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (s *memStream) Read(p []byte) (int, error) { return s.in.Read(p) }

func (s *memStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.out.Write(p)
}

func (s *memStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStream) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

// fakePlatform plays the host Bluetooth stack. Requests that complete
// asynchronously post their events to the link from a goroutine.
type fakePlatform struct {
	link *Link

	mu          sync.Mutex
	enabled     bool
	enableOK    bool
	scanErr     error
	scanResults []platform.DeviceFound
	services    map[string][]string
	reachable   map[string]bool
	streams     []*memStream
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		enableOK:  true,
		services:  map[string][]string{},
		reachable: map[string]bool{},
	}
}

func (p *fakePlatform) IsEnabled() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled, nil
}

func (p *fakePlatform) RequestEnable() error {
	go func() {
		p.mu.Lock()
		p.enabled = p.enableOK
		on := p.enabled
		p.mu.Unlock()
		p.link.HandleEvent(platform.RadioStateChanged{Enabled: on})
	}()
	return nil
}

func (p *fakePlatform) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	return nil
}

func (p *fakePlatform) StartDiscovery(scan uint64) error {
	if p.scanErr != nil {
		return p.scanErr
	}
	results := p.scanResults
	go func() {
		for _, d := range results {
			p.link.HandleEvent(d)
		}
		p.link.HandleEvent(platform.DiscoveryFinished{Scan: scan})
	}()
	return nil
}

func (p *fakePlatform) Resolve(address string) (platform.Device, error) {
	if len(address) != 17 {
		return platform.Device{}, errors.New("invalid bluetooth address")
	}
	return platform.Device{Address: address, ID: "dev_" + address}, nil
}

func (p *fakePlatform) RequestServiceDiscovery(dev platform.Device) error {
	ids := p.services[dev.Address]
	go p.link.HandleEvent(platform.ServicesResolved{Address: dev.Address, UUIDs: ids})
	return nil
}

func (p *fakePlatform) Open(ctx context.Context, address, serviceID string) (platform.Stream, error) {
	if !p.reachable[address] {
		return nil, errors.New("host is down")
	}
	s := &memStream{in: strings.NewReader(strings.Repeat("r", registry.ReadLength))}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

func newTestLink(t *testing.T) (*Link, *fakePlatform) {
	t.Helper()
	p := newFakePlatform()
	l := New(p, p, p, Config{
		EnableTimeout:  time.Second,
		ScanTimeout:    time.Second,
		ServiceTimeout: 50 * time.Millisecond,
		ConnectTimeout: time.Second,
	})
	p.link = l
	t.Cleanup(func() { l.Close() })
	return l, p
}

func TestEnableDisable(t *testing.T) {
	l, p := newTestLink(t)

	require.NoError(t, l.Enable(context.Background()))
	assert.True(t, l.Status().Enabled)

	require.NoError(t, l.Disable())
	assert.False(t, l.Status().Enabled)

	p.enableOK = false
	err := l.Enable(context.Background())
	assert.ErrorIs(t, err, ErrAdapter)
	assert.Equal(t, "adapter", Code(err))
}

func TestDiscoverDevices(t *testing.T) {
	l, p := newTestLink(t)
	p.scanResults = []platform.DeviceFound{{Name: "MechRobot", Address: robotAddr}}

	devices, err := l.DiscoverDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []discovery.Device{{Name: "MechRobot", Address: robotAddr}}, devices)

	p.scanResults = nil
	devices, err = l.DiscoverDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)

	p.scanErr = errors.New("adapter not ready")
	_, err = l.DiscoverDevices(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryStart)
}

func TestServiceIDs(t *testing.T) {
	l, p := newTestLink(t)
	p.services[robotAddr] = []string{spp}

	ids, err := l.ServiceIDs(context.Background(), robotAddr)
	require.NoError(t, err)
	assert.Equal(t, []string{spp}, ids)

	_, err = l.ServiceIDs(context.Background(), "robot")
	assert.ErrorIs(t, err, ErrDeviceLookup)

	// No services ever reported: the wait times out.
	_, err = l.ServiceIDs(context.Background(), "66:77:88:99:AA:BB")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", Code(err))
}

func TestConnectUnreachable(t *testing.T) {
	l, _ := newTestLink(t)

	_, err := l.Connect(context.Background(), robotAddr, spp)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Empty(t, l.Status().Connections)
	assert.False(t, l.Status().Transmitter.Running)
}

func TestConnectBadServiceID(t *testing.T) {
	l, p := newTestLink(t)
	p.reachable[robotAddr] = true

	_, err := l.Connect(context.Background(), robotAddr, "serial")
	assert.ErrorIs(t, err, ErrConnect)
	assert.Empty(t, l.Status().Connections)
}

func TestConnectWriteStreams(t *testing.T) {
	l, p := newTestLink(t)
	p.reachable[robotAddr] = true

	h, err := l.Connect(context.Background(), robotAddr, strings.ToUpper(spp))
	require.NoError(t, err)

	st := l.Status()
	require.Len(t, st.Connections, 1)
	assert.Equal(t, spp, st.Connections[0].ServiceID, "service id is normalised")
	assert.True(t, st.Transmitter.Running)

	f, err := l.Write(h, frame.Command{CenterForward: 10, Reset: 99})
	require.NoError(t, err)
	assert.Equal(t, byte('s'), f[0])
	assert.Equal(t, []byte{0x00, 0x0A}, f[1:3])
	assert.Equal(t, []byte{0x00, 0x63}, f[21:23])
	assert.Equal(t, make([]byte, 7), f[23:30])
	assert.Equal(t, byte(0), f[31])

	stream := p.streams[0]
	require.Eventually(t, func() bool {
		return bytes.Contains(stream.written(), f[:])
	}, 2*time.Second, time.Millisecond)

	text, err := l.Read(h)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("r", registry.ReadLength), text)

	require.NoError(t, l.Disconnect(h))
	assert.False(t, l.Status().Transmitter.Running)

	_, err = l.Read(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = l.Write(h, frame.Command{})
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, l.Disconnect(h), ErrInvalidHandle)
}

func TestTransmitterFollowsNewestConnection(t *testing.T) {
	l, p := newTestLink(t)
	p.reachable["00:00:00:00:00:01"] = true
	p.reachable["00:00:00:00:00:02"] = true

	h1, err := l.Connect(context.Background(), "00:00:00:00:00:01", spp)
	require.NoError(t, err)
	h2, err := l.Connect(context.Background(), "00:00:00:00:00:02", spp)
	require.NoError(t, err)
	assert.Equal(t, target(h2), l.Status().Transmitter.Target)

	// Closing the older connection leaves the broadcast alone.
	require.NoError(t, l.Disconnect(h1))
	assert.True(t, l.Status().Transmitter.Running)

	// Writes through any open handle update the shared frame.
	f, err := l.Write(h2, frame.Command{ClawClose: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains(p.streams[1].written(), f[:])
	}, 2*time.Second, time.Millisecond)
}

func TestCodes(t *testing.T) {
	for _, err := range []error{ErrAdapter, ErrDiscoveryStart, ErrDeviceLookup, ErrConnect, ErrInvalidHandle, ErrIO, ErrTimeout, ErrBusy} {
		assert.Equal(t, err, FromCode(Code(err)))
	}
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.Nil(t, FromCode("internal"))
}

func TestCloseReleasesEverything(t *testing.T) {
	l, p := newTestLink(t)
	p.reachable[robotAddr] = true

	h, err := l.Connect(context.Background(), robotAddr, spp)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	st := l.Status()
	assert.Empty(t, st.Connections)
	assert.False(t, st.Transmitter.Running)

	_, err = l.Read(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

// stallStream accepts no writes until it is closed.
type stallStream struct {
	once   sync.Once
	closed chan struct{}
}

func newStallStream() *stallStream { return &stallStream{closed: make(chan struct{})} }

func (s *stallStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *stallStream) Write(p []byte) (int, error) {
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *stallStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type stallTransport struct{}

func (stallTransport) Open(ctx context.Context, address, serviceID string) (platform.Stream, error) {
	return newStallStream(), nil
}

// finishes fails the test if fn does not return within two seconds.
func finishes(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return on a stalled link", what)
	}
}

func TestStalledLink(t *testing.T) {
	p := newFakePlatform()
	l := New(p, p, stallTransport{}, Config{ConnectTimeout: time.Second})
	p.link = l

	h1, err := l.Connect(context.Background(), robotAddr, spp)
	require.NoError(t, err)

	var h2 registry.Handle
	finishes(t, "second Connect", func() {
		h2, err = l.Connect(context.Background(), robotAddr, spp)
	})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	finishes(t, "Status", func() { l.Status() })
	finishes(t, "Disconnect", func() { assert.NoError(t, l.Disconnect(h2)) })
	finishes(t, "Close", func() { assert.NoError(t, l.Close()) })
}
