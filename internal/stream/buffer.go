package stream

import (
	"sync"

	"github.com/mil-ad/mechlink/internal/frame"
)

// Buffer holds the frame currently being broadcast. Writers replace it whole;
// the transmitter copies it out whole. Nobody sees a half-written frame.
type Buffer struct {
	mu      sync.Mutex
	f       frame.Frame
	version uint64
}

// NewBuffer returns a buffer holding the idle frame.
func NewBuffer() *Buffer {
	return &Buffer{f: frame.Idle()}
}

// Replace encodes c over the current frame and returns the result.
func (b *Buffer) Replace(c frame.Command) frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame.Encode(&b.f, c)
	b.version++
	return b.f
}

// Snapshot returns a copy of the current frame.
func (b *Buffer) Snapshot() frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f
}

// Version counts the Replace calls so far.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Reset restores the idle frame.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.f = frame.Idle()
}
