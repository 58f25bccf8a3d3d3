// Package flap encodes and decodes the FLAP frame envelope that wraps every
// TOC message on the wire.
package flap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType is the one-byte frame type carried after the marker.
type FrameType byte

const (
	FrameSignOn    FrameType = 0x01
	FrameData      FrameType = 0x02
	FrameError     FrameType = 0x03
	FrameSignOff   FrameType = 0x04
	FrameKeepAlive FrameType = 0x05
)

const (
	Marker    = 0x2A // '*'
	HeaderLen = 6

	// MaxPayload is the largest body the 16-bit length field can describe.
	MaxPayload = 0xFFFF
)

var (
	// ErrClosed is returned when the stream ends or fails before a whole
	// frame could be read.
	ErrClosed = errors.New("flap: connection closed")

	// ErrBadMarker is returned by ReadFrame when the first byte read is not
	// the frame marker. Exactly one byte has been consumed.
	ErrBadMarker = errors.New("flap: invalid frame marker")

	// ErrFrameTooLarge is returned when a body does not fit the length field.
	ErrFrameTooLarge = errors.New("flap: frame too large")
)

func (t FrameType) String() string {
	switch t {
	case FrameSignOn:
		return "signon"
	case FrameData:
		return "data"
	case FrameError:
		return "error"
	case FrameSignOff:
		return "signoff"
	case FrameKeepAlive:
		return "keepalive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Frame is one decoded FLAP frame.
type Frame struct {
	Type     FrameType
	Sequence uint16
	Payload  []byte
}

// Text returns the payload as text with the trailing NUL removed.
func (f *Frame) Text() string {
	return string(bytes.TrimSuffix(f.Payload, []byte{0x00}))
}

// Encode builds a text frame: the payload is sent as single-byte characters
// followed by a NUL, and the length field counts the NUL.
func Encode(frameType FrameType, sequence uint16, payload string) ([]byte, error) {
	if len(payload)+1 > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload)+1)
	}
	frame := make([]byte, HeaderLen+len(payload)+1)

	frame[0] = Marker
	frame[1] = byte(frameType)
	binary.BigEndian.PutUint16(frame[2:4], sequence)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(payload)+1))

	copy(frame[HeaderLen:], payload)
	frame[len(frame)-1] = 0x00
	return frame, nil
}

// EncodeSignOn builds the binary SignOn frame announcing screenName.
// The body is the FLAP version (00 00 00 01), the screen name TLV type
// (00 01), the name length and the name itself. No trailing NUL is added.
func EncodeSignOn(sequence uint16, screenName string) ([]byte, error) {
	if 8+len(screenName) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, 8+len(screenName))
	}
	body := make([]byte, 8+len(screenName))
	binary.BigEndian.PutUint32(body[0:4], 1)
	binary.BigEndian.PutUint16(body[4:6], 1)
	binary.BigEndian.PutUint16(body[6:8], uint16(len(screenName)))
	copy(body[8:], screenName)

	frame := make([]byte, HeaderLen+len(body))
	frame[0] = Marker
	frame[1] = byte(FrameSignOn)
	binary.BigEndian.PutUint16(frame[2:4], sequence)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(body)))
	copy(frame[HeaderLen:], body)
	return frame, nil
}

// Reader reads frames from a stream. The bytes of a frame are kept across
// failed calls, so a read cut short by a deadline can simply be retried and
// continues inside the same frame.
type Reader struct {
	r   io.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// fill reads until the current frame holds n bytes. It never reads past n.
func (fr *Reader) fill(n int) error {
	if cap(fr.buf) < n {
		grown := make([]byte, len(fr.buf), n)
		copy(grown, fr.buf)
		fr.buf = grown
	}
	for len(fr.buf) < n {
		m, err := fr.r.Read(fr.buf[len(fr.buf):n])
		fr.buf = fr.buf[:len(fr.buf)+m]
		if len(fr.buf) >= n {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(fr.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return closed(err)
		}
	}
	return nil
}

// ReadFrame reads the next frame. If the marker byte is wrong it returns
// ErrBadMarker after consuming only that byte; it does not try to find the
// next marker. When it returns ErrClosed the partial frame is kept for the
// next call.
func (fr *Reader) ReadFrame() (*Frame, error) {
	if err := fr.fill(1); err != nil {
		return nil, err
	}
	if fr.buf[0] != Marker {
		fr.buf = fr.buf[:0]
		return nil, ErrBadMarker
	}
	if err := fr.fill(HeaderLen); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(fr.buf[4:6]))
	if err := fr.fill(HeaderLen + length); err != nil {
		return nil, err
	}

	frame := &Frame{
		Type:     FrameType(fr.buf[1]),
		Sequence: binary.BigEndian.Uint16(fr.buf[2:4]),
		Payload:  append([]byte(nil), fr.buf[HeaderLen:]...),
	}
	fr.buf = fr.buf[:0]
	return frame, nil
}

// ReadFrame reads one frame from r. Partial frames are not kept; use a
// Reader for a stream that may see read deadlines.
func ReadFrame(r io.Reader) (*Frame, error) {
	return NewReader(r).ReadFrame()
}

// Decode reads one frame and returns its text. ok is false when the marker
// byte was wrong; the byte is dropped and the caller should just read again.
func Decode(r io.Reader) (text string, ok bool, err error) {
	frame, err := ReadFrame(r)
	if errors.Is(err, ErrBadMarker) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return frame.Text(), true, nil
}

func closed(err error) error {
	return fmt.Errorf("%w: %w", ErrClosed, err)
}
