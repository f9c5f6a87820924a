package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameSize is returned for zero-length or oversized frames.
var ErrFrameSize = errors.New("invalid frame size")

// WriteFrame writes a length-prefixed frame.
// Format: [Length:4 little-endian][Payload:N]
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame, rejecting payloads larger than maxSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header)
	if length == 0 || (maxSize > 0 && int64(length) > int64(maxSize)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage marshals v as an envelope of type t and writes it as one frame.
func WriteMessage(w io.Writer, t MessageType, v any) error {
	payload, err := Marshal(t, v)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
