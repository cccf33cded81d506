// Package device defines the physical-device collaborators the bridge
// moves bytes for. Real implementations (serial port, camera) live
// outside the core; the in-memory ones here back tests and loopback
// runs.
package device

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("device closed")

// Device is an opaque byte-stream device. Read blocks until data is
// available or the device is closed; Close unblocks pending readers.
type Device interface {
	Write(p []byte) error
	Read() ([]byte, error)
	Close() error
}

// FrameSource yields already-encoded video frames. The core never
// inspects or re-encodes them.
type FrameSource interface {
	NextFrame() ([]byte, error)
}

// Memory is a channel-backed Device. Writes land in Written for a test
// to inspect; Feed supplies bytes for the next Read.
type Memory struct {
	Written chan []byte
	input   chan []byte

	mu     sync.Mutex
	closed chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		Written: make(chan []byte, 256),
		input:   make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (d *Memory) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case d.Written <- buf:
		return nil
	case <-d.closed:
		return ErrClosed
	}
}

func (d *Memory) Read() ([]byte, error) {
	select {
	case p := <-d.input:
		return p, nil
	case <-d.closed:
		return nil, ErrClosed
	}
}

// Feed queues bytes to be returned by a subsequent Read.
func (d *Memory) Feed(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case d.input <- buf:
	case <-d.closed:
	}
}

func (d *Memory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

// StillFrames is a FrameSource that returns the same encoded frame
// forever. Stands in for a camera in tests and loopback runs.
type StillFrames struct {
	Frame []byte
}

func (s *StillFrames) NextFrame() ([]byte, error) {
	return s.Frame, nil
}
