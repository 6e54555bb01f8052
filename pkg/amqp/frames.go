package amqp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const (
	frameMethod    = 1
	frameHeader    = 2
	frameBody      = 3
	frameHeartbeat = 8
	frameEnd       = 0xCE

	frameHeaderSize = 7
)

// package logger used for codec logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the codec. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// ProtocolHeader is the literal preamble a client sends before any frame.
var ProtocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// limits and well-known classes/methods
const (
	MaxFrameSize = 1 << 20 // 1MB

	classConnection = 10
	classChannel    = 20
	classExchange   = 40
	classQueue      = 50
	classBasic      = 60
	classConfirm    = 85
)

// ClassBasic is the class id carried by content headers of basic messages.
const ClassBasic = classBasic

var (
	// ErrIncomplete means the buffer does not hold a whole frame yet.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrFrameEnd means the frame terminator octet is not 0xCE.
	ErrFrameEnd = errors.New("invalid frame end")
	// ErrFrameTooLarge means the declared payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrUnknownFrameType is returned for frame types outside 1, 2, 3 and 8.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// FrameType identifies the kind of a frame.
type FrameType uint8

const (
	FrameMethod    FrameType = frameMethod
	FrameHeader    FrameType = frameHeader
	FrameBody      FrameType = frameBody
	FrameHeartbeat FrameType = frameHeartbeat
)

func (t FrameType) String() string {
	switch t {
	case FrameMethod:
		return "method"
	case FrameHeader:
		return "header"
	case FrameBody:
		return "body"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Frame represents a raw AMQP frame. Size is only set by ParseFrame and is
// the number of buffer bytes the frame occupied, header and end octet
// included.
type Frame struct {
	Type    FrameType
	Channel uint16
	Payload []byte
	Size    int
}

// ContentHeader is the decoded fixed part of a content header frame.
type ContentHeader struct {
	ClassID       uint16
	BodySize      uint64
	PropertyFlags uint16
	Properties    BasicProperties
}

// ParseFrame extracts the first frame of buf. buf is never modified and the
// returned payload aliases it. ErrIncomplete means more bytes are needed;
// ErrFrameEnd and ErrFrameTooLarge are fatal for the stream.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, ErrIncomplete
	}
	t := FrameType(buf[0])
	ch := binary.BigEndian.Uint16(buf[1:3])
	size := binary.BigEndian.Uint32(buf[3:7])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d exceeds limit %d", ErrFrameTooLarge, size, MaxFrameSize)
	}
	total := frameHeaderSize + int(size) + 1
	if len(buf) < total {
		return Frame{}, ErrIncomplete
	}
	if buf[total-1] != frameEnd {
		return Frame{}, fmt.Errorf("%w: got 0x%02x", ErrFrameEnd, buf[total-1])
	}
	switch t {
	case FrameMethod, FrameHeader, FrameBody, FrameHeartbeat:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, t)
	}
	logger.Debug().Stringer("type", t).Uint16("chan", ch).Int("size", total).Msg("frame parsed")
	return Frame{Type: t, Channel: ch, Payload: buf[frameHeaderSize : total-1], Size: total}, nil
}

// MethodID returns the combined class/method id of a method frame.
func (f Frame) MethodID() (uint32, error) {
	if f.Type != FrameMethod {
		return 0, fmt.Errorf("not a method frame: %s", f.Type)
	}
	if len(f.Payload) < 4 {
		return 0, fmt.Errorf("method payload too short")
	}
	return binary.BigEndian.Uint32(f.Payload[0:4]), nil
}

// ContentHeader decodes the payload of a content header frame.
func (f Frame) ContentHeader() (ContentHeader, error) {
	if f.Type != FrameHeader {
		return ContentHeader{}, fmt.Errorf("not a header frame: %s", f.Type)
	}
	if len(f.Payload) < 14 {
		return ContentHeader{}, errors.New("invalid content header payload")
	}
	h := ContentHeader{
		ClassID:       binary.BigEndian.Uint16(f.Payload[0:2]),
		BodySize:      binary.BigEndian.Uint64(f.Payload[4:12]),
		PropertyFlags: binary.BigEndian.Uint16(f.Payload[12:14]),
	}
	props, err := decodeProperties(h.PropertyFlags, f.Payload[14:])
	if err != nil {
		return ContentHeader{}, err
	}
	h.Properties = props
	return h, nil
}

// MarshalBinary encodes the frame with its header and end octet.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, len(f.Payload))
	}
	data := make([]byte, frameHeaderSize+len(f.Payload)+1)
	data[0] = byte(f.Type)
	binary.BigEndian.PutUint16(data[1:3], f.Channel)
	binary.BigEndian.PutUint32(data[3:7], uint32(len(f.Payload)))
	copy(data[7:], f.Payload)
	data[len(data)-1] = frameEnd
	return data, nil
}

// ReadFrame reads a single frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := FrameType(hdr[0])
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d exceeds limit %d", ErrFrameTooLarge, size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != frameEnd {
		return Frame{}, ErrFrameEnd
	}
	return Frame{Type: t, Channel: ch, Payload: payload, Size: frameHeaderSize + int(size) + 1}, nil
}

// WriteFrame writes a frame to w
func WriteFrame(w io.Writer, f Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// MethodFrame builds a method frame for a registered method.
func MethodFrame(channel uint16, id uint32, fields Fields) (Frame, error) {
	payload, err := EncodeMethod(id, fields)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameMethod, Channel: channel, Payload: payload}, nil
}

// HeaderFrame builds a basic content header frame.
func HeaderFrame(channel uint16, bodySize uint64, props BasicProperties) (Frame, error) {
	flags, raw, err := encodeProperties(props)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, 14, 14+len(raw))
	binary.BigEndian.PutUint16(payload[0:2], classBasic)
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	binary.BigEndian.PutUint16(payload[12:14], flags)
	payload = append(payload, raw...)
	return Frame{Type: FrameHeader, Channel: channel, Payload: payload}, nil
}

// BodyFrame builds a content body frame carrying chunk verbatim.
func BodyFrame(channel uint16, chunk []byte) Frame {
	return Frame{Type: FrameBody, Channel: channel, Payload: chunk}
}

// HeartbeatFrame builds a heartbeat frame, always on channel 0.
func HeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat}
}
