package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/mechlink/internal/frame"
)

// captureWriter records every byte written to it. Writes fail while failN > 0.
type captureWriter struct {
	mu    sync.Mutex
	data  []byte
	failN int
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return 0, errors.New("link noise")
	}
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *captureWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data...)
}

func (w *captureWriter) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(w.bytes()) >= n }, 2*time.Second, time.Millisecond)
}

func uniform(v int16) frame.Command {
	var f [frame.FieldCount]int16
	for i := range f {
		f[i] = v
	}
	return frame.CommandFromFields(f)
}

func TestTransmitterRepeatsIdleFrame(t *testing.T) {
	buf := NewBuffer()
	tx := NewTransmitter(buf, 0, nil)
	w := &captureWriter{}

	tx.Start(w, make(chan struct{}), "0")
	w.waitFor(t, 3*frame.Size)
	tx.Stop()

	idle := frame.Idle()
	data := w.bytes()
	for off := 0; off+frame.Size <= len(data); off += frame.Size {
		assert.Equal(t, idle[:], data[off:off+frame.Size], "cycle at %d", off)
	}
}

func TestTransmitterPicksUpReplace(t *testing.T) {
	buf := NewBuffer()
	tx := NewTransmitter(buf, 0, nil)
	w := &captureWriter{}

	tx.Start(w, make(chan struct{}), "0")
	want := buf.Replace(frame.Command{CenterForward: 10, Reset: 99})

	require.Eventually(t, func() bool {
		data := w.bytes()
		for off := 0; off+frame.Size <= len(data); off += frame.Size {
			if string(data[off:off+frame.Size]) == string(want[:]) {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	tx.Stop()
}

func TestTransmitterNoTornCycles(t *testing.T) {
	buf := NewBuffer()
	tx := NewTransmitter(buf, 0, nil)
	w := &captureWriter{}

	tx.Start(w, make(chan struct{}), "0")
	for v := 1; v <= 1000; v++ {
		buf.Replace(uniform(int16(v)))
	}
	w.waitFor(t, 4*frame.Size)
	tx.Stop()

	data := w.bytes()
	require.GreaterOrEqual(t, len(data), frame.Size)
	for off := 0; off+frame.Size <= len(data); off += frame.Size {
		var f frame.Frame
		copy(f[:], data[off:off+frame.Size])

		require.Equal(t, byte(frame.Marker), f[0], "cycle at %d", off)
		c := frame.Decode(f)
		fields := c.Fields()
		for i, v := range fields {
			require.Equal(t, fields[0], v, "cycle at %d field %d mixes frame versions", off, i)
		}
		hi := byte(uint16(c.Reset) >> 8)
		for i := 23; i < frame.Size; i++ {
			if i == 30 {
				continue
			}
			require.Equal(t, hi, f[i], "cycle at %d byte %d", off, i)
		}
	}
}

func TestTransmitterSurvivesWriteErrors(t *testing.T) {
	buf := NewBuffer()
	tx := NewTransmitter(buf, 0, nil)
	w := &captureWriter{failN: 5}

	tx.Start(w, make(chan struct{}), "0")
	w.waitFor(t, 2*frame.Size)
	tx.Stop()

	stats := tx.Stats()
	assert.Equal(t, uint64(5), stats.WriteErrors)
	assert.False(t, stats.Running)

	// The five dropped bytes were skipped, so the stream starts mid-frame and
	// the next full cycle lines up on the marker.
	data := w.bytes()
	idle := frame.Idle()
	assert.Equal(t, idle[5:], data[:frame.Size-5])
	assert.Equal(t, byte(frame.Marker), data[frame.Size-5])
}

func TestTransmitterStopsWhenConnectionCloses(t *testing.T) {
	tx := NewTransmitter(NewBuffer(), 0, nil)
	w := &captureWriter{}
	closed := make(chan struct{})

	tx.Start(w, closed, "0")
	w.waitFor(t, 1)
	close(closed)

	require.Eventually(t, func() bool { return !tx.Stats().Running }, 2*time.Second, time.Millisecond)
	n := len(w.bytes())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, len(w.bytes()))
}

func TestTransmitterRetarget(t *testing.T) {
	buf := NewBuffer()
	tx := NewTransmitter(buf, 0, nil)
	first, second := &captureWriter{}, &captureWriter{}

	tx.Start(first, make(chan struct{}), "0")
	buf.Replace(frame.Command{Stop: 1})
	first.waitFor(t, 1)

	tx.Start(second, make(chan struct{}), "1")
	second.waitFor(t, frame.Size)

	n := len(first.bytes())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, len(first.bytes()), "old loop has exited")
	assert.Equal(t, "1", tx.Stats().Target)

	idle := frame.Idle()
	assert.Equal(t, idle[:], second.bytes()[:frame.Size], "new connection starts from the idle frame")

	tx.StopIf("0")
	assert.True(t, tx.Stats().Running)
	tx.StopIf("1")
	assert.False(t, tx.Stats().Running)
}

// stallWriter blocks every write until it is closed, like a link whose peer
// stopped reading.
type stallWriter struct {
	once    sync.Once
	closed  chan struct{}
	entered chan struct{}
}

func newStallWriter() *stallWriter {
	return &stallWriter{closed: make(chan struct{}), entered: make(chan struct{}, 1)}
}

func (w *stallWriter) Write(p []byte) (int, error) {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	<-w.closed
	return 0, errors.New("closed")
}

func (w *stallWriter) Close() { w.once.Do(func() { close(w.closed) }) }

func TestTransmitterRetargetDoesNotWaitForStalledWrite(t *testing.T) {
	tx := NewTransmitter(NewBuffer(), 0, nil)
	stalled := newStallWriter()
	defer stalled.Close()

	tx.Start(stalled, make(chan struct{}), "0")
	<-stalled.entered

	next := &captureWriter{}
	started := make(chan struct{})
	go func() {
		tx.Start(next, make(chan struct{}), "1")
		close(started)
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the stalled loop")
	}
	next.waitFor(t, frame.Size)
	assert.Equal(t, "1", tx.Stats().Target)

	tx.StopIf("1")
	assert.False(t, tx.Stats().Running)
}

func TestTransmitterStopReturnsOnceStreamCloses(t *testing.T) {
	tx := NewTransmitter(NewBuffer(), 0, nil)
	stalled := newStallWriter()

	tx.Start(stalled, make(chan struct{}), "0")
	<-stalled.entered

	stopped := make(chan struct{})
	go func() {
		tx.Stop()
		close(stopped)
	}()
	// Stats must not block behind a stop in progress.
	require.Eventually(t, func() bool { return !tx.Stats().Running }, 2*time.Second, time.Millisecond)

	stalled.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the stream closed")
	}
}

func TestTransmitterBacksOffWhileFailing(t *testing.T) {
	tx := NewTransmitter(NewBuffer(), 0, nil)
	w := &captureWriter{failN: 1 << 30}

	tx.Start(w, make(chan struct{}), "0")
	time.Sleep(50 * time.Millisecond)
	tx.Stop()

	errs := tx.Stats().WriteErrors
	assert.GreaterOrEqual(t, errs, uint64(1))
	assert.Less(t, errs, uint64(30))
}

func TestTransmitterInterval(t *testing.T) {
	tx := NewTransmitter(NewBuffer(), 5*time.Millisecond, nil)
	w := &captureWriter{}

	tx.Start(w, make(chan struct{}), "0")
	time.Sleep(30 * time.Millisecond)
	tx.Stop()

	assert.Less(t, len(w.bytes()), frame.Size)
}

func TestBuffer(t *testing.T) {
	buf := NewBuffer()
	assert.Equal(t, frame.Idle(), buf.Snapshot())

	got := buf.Replace(frame.Command{PivotLeft: 0x0102})
	assert.Equal(t, got, buf.Snapshot())
	assert.Equal(t, uint64(1), buf.Version())

	buf.Reset()
	assert.Equal(t, frame.Idle(), buf.Snapshot())
}
