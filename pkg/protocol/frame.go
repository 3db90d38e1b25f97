package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
)

// Frame constants.
const (
	// MaxPayloadSize is the maximum payload accepted from a reader (16 MiB).
	// Outbound encoding is not limited; the 64-bit length form covers any
	// payload a caller can allocate.
	MaxPayloadSize = 16 << 20

	finBit  = 0x80
	maskBit = 0x80

	// Payload length markers in the 7-bit length field.
	len16Marker = 126
	len64Marker = 127

	// Boundaries at which the length encoding widens.
	len16Threshold = 126
	len64Threshold = 65536
)

// Opcode identifies the type of a frame.
type Opcode uint8

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// String returns the string representation of the opcode.
func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "Continuation"
	case OpcodeText:
		return "Text"
	case OpcodeBinary:
		return "Binary"
	case OpcodeClose:
		return "Close"
	case OpcodePing:
		return "Ping"
	case OpcodePong:
		return "Pong"
	default:
		return "Unknown"
	}
}

// Frame errors.
var (
	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
)

// Frame represents one wire unit: a final (FIN=1) frame with an opcode
// and payload. Client-to-server frames carry a 4-byte XOR mask.
//
// Wire format:
//
//	┌─────────────┬──────────────┬──────────────────────────────────┐
//	│ FIN+opcode  │ MASK+len7    │ extended length                  │
//	│ (1 byte)    │ (1 byte)     │ (0, 2, or 8 bytes, big-endian)   │
//	├─────────────┴──────────────┴──────────────────────────────────┤
//	│ masking key (4 bytes, only when MASK=1)                       │
//	├────────────────────────────────────────────────────────────────┤
//	│ payload (XOR-masked when MASK=1)                              │
//	└────────────────────────────────────────────────────────────────┘
//
// The 7-bit length field holds the payload length directly when it is
// below 126, the marker 126 followed by a 16-bit length when it is below
// 65536, and the marker 127 followed by a 64-bit length otherwise.
type Frame struct {
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// EncodeText encodes an unmasked text frame. This is the form the server
// writes to clients.
func EncodeText(payload []byte) []byte {
	header := appendHeader(make([]byte, 0, 10+len(payload)), len(payload), false)
	return append(header, payload...)
}

// EncodeTextMasked encodes a text frame masked with the given key. This
// is the form clients write to the server: each payload byte i is XORed
// with key[i%4].
func EncodeTextMasked(payload []byte, key [4]byte) []byte {
	buf := appendHeader(make([]byte, 0, 14+len(payload)), len(payload), true)
	buf = append(buf, key[:]...)
	start := len(buf)
	buf = append(buf, payload...)
	maskBytes(buf[start:], key)
	return buf
}

// NewMaskKey returns a random 4-byte masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	rand.Read(key[:])
	return key
}

// appendHeader appends the two fixed header bytes plus any extended
// length bytes for a text frame of the given payload length.
func appendHeader(buf []byte, length int, masked bool) []byte {
	buf = append(buf, finBit|byte(OpcodeText))

	var mask byte
	if masked {
		mask = maskBit
	}

	switch {
	case length < len16Threshold:
		buf = append(buf, mask|byte(length))
	case length < len64Threshold:
		buf = append(buf, mask|len16Marker, byte(length>>8), byte(length))
	default:
		buf = append(buf, mask|len64Marker)
		buf = binary.BigEndian.AppendUint64(buf, uint64(length))
	}

	return buf
}

// maskBytes XORs data in place with the masking key.
func maskBytes(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// DecodeFrame decodes one frame from the start of data, returning the
// frame and the number of bytes consumed. Masked payloads are unmasked
// before being returned. The opcode is taken from the low 4 bits of the
// first byte; callers decide which opcodes to act on.
func DecodeFrame(data []byte) (*Frame, int, error) {
	if len(data) < 2 {
		return nil, 0, io.ErrUnexpectedEOF
	}

	opcode := Opcode(data[0] & 0x0F)
	masked := data[1]&maskBit != 0
	length := int(data[1] & 0x7F)
	offset := 2

	switch length {
	case len16Marker:
		if len(data) < offset+2 {
			return nil, 0, io.ErrUnexpectedEOF
		}
		length = int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
	case len64Marker:
		if len(data) < offset+8 {
			return nil, 0, io.ErrUnexpectedEOF
		}
		length64 := binary.BigEndian.Uint64(data[offset:])
		if length64 > MaxPayloadSize {
			return nil, 0, ErrFrameTooLarge
		}
		length = int(length64)
		offset += 8
	}

	var key [4]byte
	if masked {
		if len(data) < offset+4 {
			return nil, 0, io.ErrUnexpectedEOF
		}
		copy(key[:], data[offset:])
		offset += 4
	}

	if len(data) < offset+length {
		return nil, 0, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	copy(payload, data[offset:offset+length])
	if masked {
		maskBytes(payload, key)
	}

	return &Frame{
		Opcode:  opcode,
		Masked:  masked,
		Payload: payload,
	}, offset + length, nil
}

// ReadFrame reads one complete frame from r. Masked payloads are
// unmasked before being returned.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	opcode := Opcode(header[0] & 0x0F)
	masked := header[1]&maskBit != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case len16Marker:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64Marker:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	if masked {
		maskBytes(payload, key)
	}

	return &Frame{
		Opcode:  opcode,
		Masked:  masked,
		Payload: payload,
	}, nil
}
