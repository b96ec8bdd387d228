package registry

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/mil-ad/mechlink/internal/platform"
)

// ReadLength is the number of bytes Read collects per call.
const ReadLength = 127

// EOFMarker fills positions of a Read that ran past end of stream. It is the
// all-ones 16-bit code unit.
const EOFMarker = '\uffff'

// State is the lifecycle state of a connection.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Conn is one serial stream to a remote service.
type Conn struct {
	Address   string
	ServiceID string
	OpenedAt  time.Time

	stream platform.Stream
	done   chan struct{}

	readMu sync.Mutex
	reader *bufio.Reader

	mu    sync.Mutex
	state State
}

func newConn(address, serviceID string) *Conn {
	return &Conn{
		Address:   address,
		ServiceID: serviceID,
		done:      make(chan struct{}),
		state:     Connecting,
	}
}

func (c *Conn) attach(s platform.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
	c.reader = bufio.NewReader(s)
	c.state = Open
	c.OpenedAt = time.Now()
}

// State reports the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Writer returns the output side of the stream.
func (c *Conn) Writer() io.Writer {
	return c.stream
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadText blocks until ReadLength bytes have been read and returns them one
// character per byte. Once the stream reports end of file, the remaining
// positions hold EOFMarker.
func (c *Conn) ReadText() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	buf := make([]rune, ReadLength)
	for i := range buf {
		b, err := c.reader.ReadByte()
		switch {
		case err == io.EOF:
			buf[i] = EOFMarker
		case err != nil:
			return "", err
		default:
			buf[i] = rune(b)
		}
	}
	return string(buf), nil
}

func (c *Conn) close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	close(c.done)
	c.mu.Unlock()

	if c.stream == nil {
		return nil
	}
	return c.stream.Close()
}
