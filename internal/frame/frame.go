// Package frame implements the RFC 6455 frame codec: pure functions
// over byte buffers with no I/O, matching spec.md §4.1. Header parsing
// reports how many bytes it needs so a caller with a partial buffer
// can ask again once more data arrives.
package frame

import (
	"encoding/binary"

	"github.com/larskiel/wsserver/internal/wsserr"
)

// Opcode identifies a frame's payload interpretation.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) IsControl() bool { return o >= OpClose }

// Close status codes, spec.md §6.
const (
	StatusNormal             uint16 = 1000
	StatusGoingAway          uint16 = 1001
	StatusProtocolError      uint16 = 1002
	StatusUnsupportedData    uint16 = 1003
	StatusInconsistentData   uint16 = 1007
	StatusPolicyViolation    uint16 = 1008
	StatusMessageTooBig      uint16 = 1009
	StatusExpectedExtension  uint16 = 1010
	StatusUnexpectedError    uint16 = 1011
	StatusNoStatusSentinel   uint16 = 4000
	StatusBadStatusSentinel  uint16 = 4001
)

const maxControlPayload = 125

// Header is a parsed RFC 6455 frame header (spec.md §3).
type Header struct {
	Fin        bool
	Rsv        byte // bits 6-4 of byte 0, must be 0
	Opcode     Opcode
	Masked     bool
	PayloadLen uint64
	Mask       [4]byte
	HeaderSize int
}

// Frame is a fully parsed frame: header plus unmasked payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// ParseHeader inspects buf and reports the header plus its size in
// bytes. If buf doesn't yet hold a complete header it returns a
// wsserr.Incomplete error; the caller should retry once more bytes
// have arrived. Non-zero RSV bits are NOT checked here (internal/transport
// rejects them on client frames). A wsserr.DataFormatError is returned
// for a 64-bit extended length with its most significant bit set, and
// for a control frame that is not fin or carries more than 125 bytes.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < 2 {
		return Header{}, wsserr.New(wsserr.Incomplete, "need at least 2 bytes")
	}

	b0, b1 := buf[0], buf[1]
	h := Header{
		Fin:    b0&0x80 != 0,
		Rsv:    (b0 >> 4) & 0x07,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&0x80 != 0,
	}

	len7 := b1 & 0x7F
	pos := 2
	switch {
	case len7 < 126:
		h.PayloadLen = uint64(len7)
	case len7 == 126:
		if len(buf) < pos+2 {
			return Header{}, wsserr.New(wsserr.Incomplete, "need 2 more bytes for extended length")
		}
		h.PayloadLen = uint64(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
	default: // 127
		if len(buf) < pos+8 {
			return Header{}, wsserr.New(wsserr.Incomplete, "need 8 more bytes for extended length")
		}
		v := binary.BigEndian.Uint64(buf[pos : pos+8])
		if v&(1<<63) != 0 {
			return Header{}, wsserr.New(wsserr.DataFormatError, "payload length MSB set")
		}
		h.PayloadLen = v
		pos += 8
	}

	if h.Masked {
		if len(buf) < pos+4 {
			return Header{}, wsserr.New(wsserr.Incomplete, "need 4 more bytes for masking key")
		}
		copy(h.Mask[:], buf[pos:pos+4])
		pos += 4
	}

	if h.Opcode.IsControl() && (!h.Fin || h.PayloadLen > maxControlPayload) {
		return Header{}, wsserr.New(wsserr.DataFormatError, "control frame must be fin and <= 125 bytes")
	}

	h.HeaderSize = pos
	return h, nil
}

// ParseFrame builds a Frame from a header and the raw bytes that
// follow it in buf (buf must hold at least header.PayloadLen bytes
// beyond the header). If masked, the payload is unmasked in place.
func ParseFrame(buf []byte, header Header) Frame {
	payload := make([]byte, header.PayloadLen)
	copy(payload, buf[header.HeaderSize:header.HeaderSize+int(header.PayloadLen)])
	if header.Masked {
		for i := range payload {
			payload[i] ^= header.Mask[i%4]
		}
	}
	return Frame{Header: header, Payload: payload}
}

// Serialize renders a frame to wire bytes. Server-originated frames
// must never set the mask bit (spec.md §4.1); Serialize enforces this
// by always clearing Masked regardless of what the header carries, so
// echoing a client's (masked) header back out is always safe.
func Serialize(f Frame) []byte {
	firstByte := byte(f.Header.Opcode) & 0x0F
	if f.Header.Fin {
		firstByte |= 0x80
	}

	length := len(f.Payload)
	var out []byte
	switch {
	case length < 126:
		out = make([]byte, 2, 2+length)
		out[0] = firstByte
		out[1] = byte(length)
	case length <= 0xFFFF:
		out = make([]byte, 4, 4+length)
		out[0] = firstByte
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:4], uint16(length))
	default:
		out = make([]byte, 10, 10+length)
		out[0] = firstByte
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:10], uint64(length))
	}
	return append(out, f.Payload...)
}

// TextFrame builds an unmasked, fin text frame.
func TextFrame(payload []byte) Frame {
	return Frame{Header: Header{Fin: true, Opcode: OpText}, Payload: payload}
}

// PingFrame builds an unmasked, fin ping frame.
func PingFrame(payload []byte) Frame {
	return Frame{Header: Header{Fin: true, Opcode: OpPing}, Payload: payload}
}

// PongFrame builds an unmasked, fin pong frame.
func PongFrame(payload []byte) Frame {
	return Frame{Header: Header{Fin: true, Opcode: OpPong}, Payload: payload}
}

// CloseFrame builds an unmasked, fin close frame. If code is nil, the
// payload is empty (sentinel StatusNoStatusSentinel semantics apply to
// the receiver, not the sender).
func CloseFrame(code *uint16, reason string) Frame {
	var payload []byte
	if code != nil {
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, *code)
		copy(payload[2:], reason)
	}
	return Frame{Header: Header{Fin: true, Opcode: OpClose}, Payload: payload}
}

// CloseCode extracts the close status code from a close frame's
// payload, if present. Per spec.md §9 only the 2-byte code is parsed;
// any reason text is returned verbatim (not validated as UTF-8 by this
// function — callers decide whether to surface it).
func CloseCode(payload []byte) (code uint16, reason string, ok bool) {
	if len(payload) < 2 {
		return 0, "", false
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:]), true
}
