// Package registry owns the table of open serial connections.
//
// Handles are generation-tagged slot indices: the low 16 bits select a slot
// and the remaining bits count how many times that slot has been reused. A
// handle stays valid for exactly as long as its connection is open, no matter
// what happens to other connections, and a stale handle is always reported as
// ErrInvalidHandle rather than resolving to a newer connection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mil-ad/mechlink/internal/platform"
)

const (
	indexBits = 16
	indexMask = 1<<indexBits - 1
	maxSlots  = 1 << indexBits
)

var (
	// ErrInvalidHandle is returned for unknown or stale handles.
	ErrInvalidHandle = errors.New("invalid connection handle")

	// ErrFull is returned when every slot is taken.
	ErrFull = errors.New("connection table full")
)

// Handle identifies one open connection.
type Handle int

func makeHandle(index int, gen uint32) Handle {
	return Handle(int(gen)<<indexBits | index)
}

func (h Handle) index() int { return int(h) & indexMask }

type slot struct {
	gen  uint32
	conn *Conn
}

// Info describes an open connection.
type Info struct {
	Handle    Handle    `json:"handle"`
	Address   string    `json:"address"`
	ServiceID string    `json:"service_id"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Registry maps handles to connections.
type Registry struct {
	transport platform.Transport
	timeout   time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	slots []slot
	free  []int
}

// New returns an empty registry that opens streams through transport,
// giving each Open up to timeout. A zero timeout relies on ctx alone.
func New(transport platform.Transport, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{transport: transport, timeout: timeout, logger: logger}
}

// Connect opens a stream to serviceID on the device at address and stores it.
// Nothing is stored when the open fails.
func (r *Registry) Connect(ctx context.Context, address, serviceID string) (Handle, *Conn, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	conn := newConn(address, serviceID)
	stream, err := r.transport.Open(ctx, address, serviceID)
	if err != nil {
		return 0, nil, fmt.Errorf("open %s: %w", address, err)
	}
	conn.attach(stream)

	r.mu.Lock()
	h, err := r.insertLocked(conn)
	r.mu.Unlock()
	if err != nil {
		conn.close()
		return 0, nil, err
	}

	r.logger.Info("connection opened", "handle", int(h), "address", address, "service", serviceID)
	return h, conn, nil
}

func (r *Registry) insertLocked(c *Conn) (Handle, error) {
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i].conn = c
		return makeHandle(i, r.slots[i].gen), nil
	}
	if len(r.slots) >= maxSlots {
		return 0, ErrFull
	}
	r.slots = append(r.slots, slot{conn: c})
	return makeHandle(len(r.slots)-1, 0), nil
}

// Get returns the connection for h.
func (r *Registry) Get(h Handle) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(h)
}

func (r *Registry) getLocked(h Handle) (*Conn, error) {
	i := h.index()
	if h < 0 || i >= len(r.slots) {
		return nil, ErrInvalidHandle
	}
	s := r.slots[i]
	// Compare whole handles so bits above the generation cannot alias.
	if s.conn == nil || makeHandle(i, s.gen) != h {
		return nil, ErrInvalidHandle
	}
	return s.conn, nil
}

// Read performs one fixed-size read on the connection for h.
func (r *Registry) Read(h Handle) (string, error) {
	c, err := r.Get(h)
	if err != nil {
		return "", err
	}
	return c.ReadText()
}

// Disconnect closes the connection for h and frees its slot. The slot is
// freed even when closing the stream fails.
func (r *Registry) Disconnect(h Handle) error {
	r.mu.Lock()
	c, err := r.getLocked(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.releaseLocked(h.index())
	r.mu.Unlock()

	r.logger.Info("connection closed", "handle", int(h), "address", c.Address)
	if err := c.close(); err != nil {
		return fmt.Errorf("close %s: %w", c.Address, err)
	}
	return nil
}

func (r *Registry) releaseLocked(i int) {
	r.slots[i].conn = nil
	r.slots[i].gen++
	r.free = append(r.free, i)
}

// CloseAll closes every open connection.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	var conns []*Conn
	for i := range r.slots {
		if r.slots[i].conn != nil {
			conns = append(conns, r.slots[i].conn)
			r.releaseLocked(i)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Address, err))
		}
	}
	return errors.Join(errs...)
}

// List describes the open connections ordered by handle.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for i, s := range r.slots {
		if s.conn == nil {
			continue
		}
		out = append(out, Info{
			Handle:    makeHandle(i, s.gen),
			Address:   s.conn.Address,
			ServiceID: s.conn.ServiceID,
			OpenedAt:  s.conn.OpenedAt,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Handle < out[b].Handle })
	return out
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}
