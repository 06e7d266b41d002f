package serial

import (
	"io"
	"sync"
)

const pumpBuffer = 4096

// Stream is the duplex byte stream the controller owns. Poll never blocks.
type Stream interface {
	io.Writer
	Poll() (byte, bool)
}

// Buffered turns a blocking reader into a Stream. A single goroutine pumps
// received bytes into a bounded channel.
type Buffered struct {
	w    io.Writer
	ch   chan byte
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewBuffered starts pumping r. Writes go to w.
func NewBuffered(r io.Reader, w io.Writer) *Buffered {
	b := &Buffered{
		w:    w,
		ch:   make(chan byte, pumpBuffer),
		done: make(chan struct{}),
	}
	go b.pump(r)
	return b
}

func (b *Buffered) pump(r io.Reader) {
	defer close(b.done)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for _, c := range buf[:n] {
			b.ch <- c
		}
		if err != nil {
			b.mu.Lock()
			b.err = err
			b.mu.Unlock()
			return
		}
	}
}

// Poll returns the next received byte if one is waiting.
func (b *Buffered) Poll() (byte, bool) {
	select {
	case c := <-b.ch:
		return c, true
	default:
		return 0, false
	}
}

// Write implements io.Writer.
func (b *Buffered) Write(p []byte) (int, error) {
	return b.w.Write(p)
}

// Done is closed when the reader failed or reached EOF.
func (b *Buffered) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that stopped the pump.
func (b *Buffered) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
