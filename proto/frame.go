package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body. Anything larger is treated
// as a desynchronized stream, not a big message.
const MaxFrameSize = 10 * 1024 * 1024

// WriteFrame writes one length-prefixed frame: 4-byte big-endian
// length followed by exactly that many bytes. A zero-length body is
// valid and round-trips. The frame is assembled into one buffer so a
// single Write carries it whole.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one whole frame body. It blocks until the full frame
// is available or the reader fails; a short read never yields a
// partial frame to the caller.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: length prefix %d", ErrFrameCorrupt, length)
	}
	if length == 0 {
		return []byte{}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
