package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/casepot/capsule-sub004/streambuf"
)

// HeaderSize is the length of a frame's big-endian uint32 length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload size accepted from or written to
// a peer. A declared length above the bound is treated as a corrupt or
// hostile header.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFraming reports a malformed or oversized frame. Fatal to the
	// connection it arrived on.
	ErrFraming = errors.New("framing error")

	// ErrMalformedPayload reports a payload that is not decodable as a
	// message. The connection is closed rather than silently dropping.
	ErrMalformedPayload = errors.New("malformed message payload")

	// ErrUnknownMessageType reports an unrecognized type discriminator.
	// The frame is dropped and the connection continues.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMissingField reports a message missing a field its kind
	// requires. Treated as a protocol violation, fatal to the connection.
	ErrMissingField = errors.New("missing required field")
)

// EncodeFrame prefixes payload with its big-endian length. Pure.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// DecodeFrames extracts zero or more complete frame payloads from buf and
// returns the unconsumed remainder. It never blocks. A declared length
// above max fails with ErrFraming; already-extracted payloads are still
// returned so the caller can process them before closing the connection.
func DecodeFrames(buf []byte, max uint32) (payloads [][]byte, rest []byte, err error) {
	rest = buf
	for {
		if len(rest) < HeaderSize {
			return payloads, rest, nil
		}
		size := binary.BigEndian.Uint32(rest)
		if size > max {
			return payloads, rest, fmt.Errorf("%w: declared length %d exceeds max %d", ErrFraming, size, max)
		}
		if len(rest) < HeaderSize+int(size) {
			return payloads, rest, nil
		}
		payload := make([]byte, size)
		copy(payload, rest[HeaderSize:HeaderSize+size])
		payloads = append(payloads, payload)
		rest = rest[HeaderSize+int(size):]
	}
}

// FrameWriter serializes frame writes to an underlying writer. Each frame
// is written with a single Write call so message-oriented carriers map
// one frame to one message.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max uint32
}

// NewFrameWriter returns a FrameWriter bounded by max payload bytes.
// A max of 0 means DefaultMaxFrameSize.
func NewFrameWriter(w io.Writer, max uint32) *FrameWriter {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, max: max}
}

// WriteFrame writes payload as one length-prefixed frame. Safe for
// concurrent use.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if uint32(len(payload)) > fw.max {
		return fmt.Errorf("%w: payload length %d exceeds max %d", ErrFraming, len(payload), fw.max)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(EncodeFrame(payload))
	return err
}

// FrameReader extracts frames from a stream buffer using two sequential
// predicate waits per frame: one for the header, one for the body.
type FrameReader struct {
	buf *streambuf.Buffer
	max uint32
}

// NewFrameReader returns a FrameReader bounded by max payload bytes.
// A max of 0 means DefaultMaxFrameSize.
func NewFrameReader(buf *streambuf.Buffer, max uint32) *FrameReader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{buf: buf, max: max}
}

// ReadFrame blocks until one complete frame is buffered and returns its
// payload. It returns the buffer's close error (io.EOF on clean close)
// once no further frame can be assembled.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if err := fr.buf.WaitUntil(func(n int) bool { return n >= HeaderSize }); err != nil {
		return nil, err
	}
	hdr, err := fr.buf.Take(HeaderSize)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr)
	if size > fr.max {
		return nil, fmt.Errorf("%w: declared length %d exceeds max %d", ErrFraming, size, fr.max)
	}
	if err := fr.buf.WaitUntil(func(n int) bool { return n >= int(size) }); err != nil {
		return nil, err
	}
	return fr.buf.Take(int(size))
}
