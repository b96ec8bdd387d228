// Package stream broadcasts the current command frame over a connection, one
// byte at a time, for as long as the connection stays open.
//
// The robot never sees a request/response exchange: it sees the latest frame
// repeated forever, and resynchronises on the marker byte if anything is lost.
// A fresh snapshot of the frame is taken at the start of every 32-byte cycle,
// so each cycle on the wire is one complete frame version.
package stream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mil-ad/mechlink/internal/frame"
)

// Stats describes the transmitter.
type Stats struct {
	Running     bool   `json:"running"`
	Target      string `json:"target,omitempty"`
	BytesSent   uint64 `json:"bytes_sent"`
	WriteErrors uint64 `json:"write_errors"`
}

// retryDelay paces the loop while every write is failing.
const retryDelay = 10 * time.Millisecond

// Transmitter runs at most one broadcast loop at a time.
type Transmitter struct {
	buf      *Buffer
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	cur  *loop // running or most recently started loop
	live bool  // cur has not been stopped
}

// loop is one broadcast goroutine and its counters. A stopped loop may still
// be blocked in a write until its stream is closed; it exits right after.
type loop struct {
	target string
	cancel context.CancelFunc
	done   chan struct{}

	sent     atomic.Uint64
	failures atomic.Uint64
}

// NewTransmitter returns an idle transmitter broadcasting buf. interval is
// the pause between bytes; zero sends as fast as the link accepts them.
func NewTransmitter(buf *Buffer, interval time.Duration, logger *slog.Logger) *Transmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{buf: buf, interval: interval, logger: logger}
}

// Start stops any running loop, resets the frame to idle, and starts
// broadcasting to w. The loop ends when closed is closed or Stop is called.
// Start does not wait for the previous loop to exit.
func (t *Transmitter) Start(w io.Writer, closed <-chan struct{}, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detachLocked()
	t.buf.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{target: target, cancel: cancel, done: make(chan struct{})}
	t.cur = l
	t.live = true

	go func() {
		defer close(l.done)
		t.run(ctx, l, w, closed)
	}()
	t.logger.Info("transmitter started", "target", target)
}

// Stop ends the running loop, if any, and waits for it to exit. A loop
// blocked in a write exits once its stream is closed, so close the stream
// first when the link may be stalled.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	l := t.detachLocked()
	t.mu.Unlock()

	if l != nil {
		<-l.done
	}
}

// StopIf stops the loop only if it is broadcasting to target. It does not
// wait for the loop to exit.
func (t *Transmitter) StopIf(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live && t.cur.target == target {
		t.detachLocked()
	}
}

// detachLocked cancels the current loop and returns it, or nil when nothing
// is running.
func (t *Transmitter) detachLocked() *loop {
	if !t.live {
		return nil
	}
	l := t.cur
	l.cancel()
	t.live = false
	t.logger.Info("transmitter stopped", "target", l.target, "bytes", l.sent.Load())
	return l
}

// Stats reports the current loop's state and counters. After a stop the
// counters of the last loop are kept.
func (t *Transmitter) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur == nil {
		return Stats{}
	}
	st := Stats{
		BytesSent:   t.cur.sent.Load(),
		WriteErrors: t.cur.failures.Load(),
	}
	if t.live {
		st.Target = t.cur.target
		select {
		case <-t.cur.done:
		default:
			st.Running = true
		}
	}
	return st
}

func (t *Transmitter) run(ctx context.Context, l *loop, w io.Writer, closed <-chan struct{}) {
	bw := bufio.NewWriterSize(w, frame.Size)
	var (
		snap    frame.Frame
		cursor  int
		failing bool
	)

	var tick *time.Ticker
	if t.interval > 0 {
		tick = time.NewTicker(t.interval)
		defer tick.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		default:
		}

		if cursor == 0 {
			snap = t.buf.Snapshot()
		}

		err := bw.WriteByte(snap[cursor])
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			// Writes are best effort; the next cycle resends everything.
			l.failures.Add(1)
			if !failing {
				t.logger.Warn("transmit failed", "error", err)
			} else {
				t.logger.Debug("transmit failed", "error", err)
			}
			failing = true
			bw.Reset(w)
		} else {
			if failing {
				t.logger.Info("transmit recovered")
			}
			failing = false
			l.sent.Add(1)
		}

		cursor = (cursor + 1) % frame.Size

		var pause <-chan time.Time
		switch {
		case tick != nil:
			pause = tick.C
		case failing:
			pause = time.After(retryDelay)
		}
		if pause != nil {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case <-pause:
			}
		}
	}
}
