// Package cd11 reads and writes the CD 1.1 frames exchanged during the
// connection handshake.
//
// Every frame consists of a fixed 36-byte header, a variable length body and
// a trailer carrying an optional authentication value and a CRC-64 "comm
// verification" checksum. All integers are big-endian.
package cd11

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"strings"
)

const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 36

	// MaxBodySize is the largest frame body ReadFrame accepts. Handshake
	// frames are far smaller; the limit protects against hostile length
	// fields.
	MaxBodySize = 1 << 20

	// maxAuthSize is the largest authentication value ReadFrame accepts.
	maxAuthSize = 1 << 12

	// trailerFixedSize is the auth key identifier plus the auth size.
	trailerFixedSize = 8

	// commVerificationSize is the size of the CRC-64 checksum field.
	commVerificationSize = 8
)

var (
	// ErrUnknownFrameType is returned when the header carries a frame type
	// that is not part of CD 1.1.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrFrameTooLarge is returned when a length field exceeds the limits
	// enforced by ReadFrame.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame is returned when a frame is internally inconsistent.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrWrongFrameType is returned when a frame is interpreted as a type it
	// does not have.
	ErrWrongFrameType = errors.New("wrong frame type")
)

// crcTable is the CRC-64 table used for comm verification.
var crcTable = crc64.MakeTable(crc64.ECMA)

// FrameType identifies the kind of a CD 1.1 frame.
type FrameType int32

const (
	TypeConnectionRequest  FrameType = 1
	TypeConnectionResponse FrameType = 2
	TypeOptionRequest      FrameType = 3
	TypeOptionResponse     FrameType = 4
	TypeData               FrameType = 5
	TypeAcknack            FrameType = 6
	TypeAlert              FrameType = 7
	TypeCommandRequest     FrameType = 8
	TypeCommandResponse    FrameType = 9
	TypeCD1Encapsulation   FrameType = 13
	TypeCustomReset        FrameType = 26
)

// String returns a string representation of FrameType.
func (t FrameType) String() string {
	switch t {
	case TypeConnectionRequest:
		return "connection-request"
	case TypeConnectionResponse:
		return "connection-response"
	case TypeOptionRequest:
		return "option-request"
	case TypeOptionResponse:
		return "option-response"
	case TypeData:
		return "data"
	case TypeAcknack:
		return "acknack"
	case TypeAlert:
		return "alert"
	case TypeCommandRequest:
		return "command-request"
	case TypeCommandResponse:
		return "command-response"
	case TypeCD1Encapsulation:
		return "cd1-encapsulation"
	case TypeCustomReset:
		return "custom-reset"
	}
	return fmt.Sprintf("frame-type(%d)", int32(t))
}

// Known reports whether t is a frame type defined by CD 1.1.
func (t FrameType) Known() bool {
	switch t {
	case TypeConnectionRequest, TypeConnectionResponse, TypeOptionRequest,
		TypeOptionResponse, TypeData, TypeAcknack, TypeAlert,
		TypeCommandRequest, TypeCommandResponse, TypeCD1Encapsulation,
		TypeCustomReset:
		return true
	}
	return false
}

// Header is the fixed-size frame header.
type Header struct {
	Type FrameType

	// TrailerOffset is the byte offset of the trailer from the start of the
	// frame, which is the header size plus the body size.
	TrailerOffset int32

	Creator     string // 8 bytes
	Destination string // 8 bytes
	Sequence    int64
	Series      int32
}

// Trailer is the frame trailer.
type Trailer struct {
	AuthKeyID        int32
	AuthValue        []byte
	CommVerification uint64
}

// Frame is a decoded CD 1.1 frame.
type Frame struct {
	Header  Header
	Body    []byte
	Trailer Trailer

	// raw holds the bytes exactly as received.
	raw []byte
}

// ReadFrame reads exactly one frame from r. It returns ErrUnknownFrameType,
// ErrFrameTooLarge or ErrMalformedFrame for frames it cannot decode, and the
// underlying read error (wrapped) if r fails first.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	f := &Frame{}
	f.Header = decodeHeader(hdr[:])
	if !f.Header.Type.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, int32(f.Header.Type))
	}

	bodyLen := int64(f.Header.TrailerOffset) - HeaderSize
	if bodyLen < 0 {
		return nil, fmt.Errorf("%w: trailer offset %d is inside the header", ErrMalformedFrame, f.Header.TrailerOffset)
	}
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, bodyLen)
	}

	f.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var fixed [trailerFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("read frame trailer: %w", err)
	}
	f.Trailer.AuthKeyID = int32(binary.BigEndian.Uint32(fixed[0:4]))
	authSize := int32(binary.BigEndian.Uint32(fixed[4:8]))
	if authSize < 0 {
		return nil, fmt.Errorf("%w: negative auth size %d", ErrMalformedFrame, authSize)
	}
	if authSize > maxAuthSize {
		return nil, fmt.Errorf("%w: auth value of %d bytes", ErrFrameTooLarge, authSize)
	}

	rest := make([]byte, paddedLen(int(authSize))+commVerificationSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("read frame trailer: %w", err)
	}
	f.Trailer.AuthValue = rest[:authSize]
	f.Trailer.CommVerification = binary.BigEndian.Uint64(rest[len(rest)-commVerificationSize:])

	f.raw = make([]byte, 0, HeaderSize+len(f.Body)+trailerFixedSize+len(rest))
	f.raw = append(f.raw, hdr[:]...)
	f.raw = append(f.raw, f.Body...)
	f.raw = append(f.raw, fixed[:]...)
	f.raw = append(f.raw, rest...)
	return f, nil
}

// ValidChecksum reports whether the comm verification field matches the
// CRC-64 of the frame computed with that field set to zero.
func (f *Frame) ValidChecksum() bool {
	b := f.raw
	if b == nil {
		b = f.Marshal()
	}
	if len(b) < commVerificationSize {
		return false
	}
	return checksum(b) == f.Trailer.CommVerification
}

// Marshal encodes the frame. The trailer offset and comm verification are
// recomputed from the header fields and body.
func (f *Frame) Marshal() []byte {
	h := f.Header
	h.TrailerOffset = int32(HeaderSize + len(f.Body))

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(f.Body) + trailerFixedSize + paddedLen(len(f.Trailer.AuthValue)) + commVerificationSize)
	buf.Write(encodeHeader(h))
	buf.Write(f.Body)

	var fixed [trailerFixedSize]byte
	binary.BigEndian.PutUint32(fixed[0:4], uint32(f.Trailer.AuthKeyID))
	binary.BigEndian.PutUint32(fixed[4:8], uint32(len(f.Trailer.AuthValue)))
	buf.Write(fixed[:])
	buf.Write(f.Trailer.AuthValue)
	buf.Write(make([]byte, paddedLen(len(f.Trailer.AuthValue))-len(f.Trailer.AuthValue)))

	b := buf.Bytes()
	b = append(b, make([]byte, commVerificationSize)...)
	binary.BigEndian.PutUint64(b[len(b)-commVerificationSize:], checksum(b))
	return b
}

// checksum computes the CRC-64 of b with its final 8 bytes treated as zero.
func checksum(b []byte) uint64 {
	n := len(b) - commVerificationSize
	crc := crc64.Update(0, crcTable, b[:n])
	var zero [commVerificationSize]byte
	return crc64.Update(crc, crcTable, zero[:])
}

func decodeHeader(b []byte) Header {
	return Header{
		Type:          FrameType(int32(binary.BigEndian.Uint32(b[0:4]))),
		TrailerOffset: int32(binary.BigEndian.Uint32(b[4:8])),
		Creator:       readString(b[8:16]),
		Destination:   readString(b[16:24]),
		Sequence:      int64(binary.BigEndian.Uint64(b[24:32])),
		Series:        int32(binary.BigEndian.Uint32(b[32:36])),
	}
}

func encodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.TrailerOffset))
	putString(b[8:16], h.Creator)
	putString(b[16:24], h.Destination)
	binary.BigEndian.PutUint64(b[24:32], uint64(h.Sequence))
	binary.BigEndian.PutUint32(b[32:36], uint32(h.Series))
	return b
}

// readString decodes a fixed-width text field, dropping NUL padding and
// surrounding whitespace.
func readString(b []byte) string {
	return strings.TrimSpace(strings.ReplaceAll(string(b), "\x00", ""))
}

// putString copies s into the fixed-width field b. Unused bytes stay NUL.
// Callers validate the length first.
func putString(b []byte, s string) {
	copy(b, s)
}

// paddedLen rounds n up to a multiple of 4.
func paddedLen(n int) int {
	if r := n % 4; r != 0 {
		return n + 4 - r
	}
	return n
}
