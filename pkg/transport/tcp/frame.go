package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame Types
const (
	FrameTypeControl = 0x01
	FrameTypeStream  = 0x02
	FrameTypeError   = 0x03
)

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (8 bytes)]
const HeaderSize = 9

// Control and error frames are read fully into memory, so they are bounded.
const maxControlFrame = 64 * 1024

// writeFrameHeader writes the frame header to the writer
func writeFrameHeader(w io.Writer, msgType uint8, length uint64) error {
	buf := make([]byte, HeaderSize)
	buf[0] = msgType
	binary.BigEndian.PutUint64(buf[1:], length)

	_, err := w.Write(buf)
	return err
}

// readFrameHeader reads the frame header from the reader
// returns msgType, length, and error
func readFrameHeader(r io.Reader) (uint8, uint64, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	msgType := buf[0]
	length := binary.BigEndian.Uint64(buf[1:])

	switch msgType {
	case FrameTypeControl, FrameTypeError:
		if length > maxControlFrame {
			return 0, 0, fmt.Errorf("frame type %d too large: %d bytes", msgType, length)
		}
	case FrameTypeStream:
	default:
		return 0, 0, fmt.Errorf("unknown frame type: %d", msgType)
	}

	return msgType, length, nil
}
