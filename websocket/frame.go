package websocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vitalvas/wsext/extension"
)

// Message types defined in RFC 6455, section 11.8.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10

	// continuationFrame is the opcode of every non-first fragment
	// (RFC 6455, section 5.4).
	continuationFrame = 0
)

// Frame header constants per RFC 6455, section 5.2.
const (
	maxFrameHeaderSize         = 14  // 2 bytes base + 8 bytes extended length + 4 bytes mask
	maxControlFramePayloadSize = 125 // RFC 6455, section 5.5
	defaultWriteBufferSize     = 4096
	defaultReadBufferSize      = 4096

	finalBit = 1 << 7
	rsvMask  = extension.RSV1 | extension.RSV2 | extension.RSV3
	maskBit  = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127

	maxPayloadPrealloc = 1 << 20
)

// Frame is a single RFC 6455 frame after unmasking.
type Frame struct {
	Opcode  int
	Fin     bool
	RSV     byte
	Payload []byte
}

// IsControl reports whether the frame is a close, ping or pong frame.
func (f Frame) IsControl() bool {
	return f.Opcode >= CloseMessage
}

func validOpcode(op int) bool {
	switch op {
	case continuationFrame, TextMessage, BinaryMessage, CloseMessage, PingMessage, PongMessage:
		return true
	}
	return false
}

// readFrame reads one frame per RFC 6455, section 5.2. hdr is scratch space
// of at least maxFrameHeaderSize bytes. Frames from clients must be masked and
// frames from servers must not be; expectMasked selects which side we are.
// A positive limit caps the payload length of a single frame.
func readFrame(r io.Reader, hdr []byte, expectMasked bool, limit int64) (Frame, error) {
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    hdr[0]&finalBit != 0,
		RSV:    hdr[0] & rsvMask,
		Opcode: int(hdr[0] & opcodeMask),
	}
	masked := hdr[1]&maskBit != 0
	payloadLen := uint64(hdr[1] & payloadLenMask)

	if masked != expectMasked {
		if expectMasked {
			return Frame{}, protocolError(ErrUnmaskedFrame)
		}
		return Frame{}, protocolError(ErrMaskedFrame)
	}
	if !validOpcode(f.Opcode) {
		return Frame{}, protocolError(fmt.Errorf("%w: %d", ErrInvalidOpcode, f.Opcode))
	}

	switch payloadLen {
	case payloadLen16:
		if _, err := io.ReadFull(r, hdr[2:4]); err != nil {
			return Frame{}, err
		}
		payloadLen = uint64(binary.BigEndian.Uint16(hdr[2:4]))
	case payloadLen64:
		if _, err := io.ReadFull(r, hdr[2:10]); err != nil {
			return Frame{}, err
		}
		payloadLen = binary.BigEndian.Uint64(hdr[2:10])
		if payloadLen>>63 != 0 {
			return Frame{}, protocolError(ErrInvalidPayloadLength)
		}
	}

	if f.IsControl() {
		if payloadLen > maxControlFramePayloadSize {
			return Frame{}, protocolError(ErrControlFramePayloadTooBig)
		}
		if !f.Fin {
			return Frame{}, protocolError(ErrFragmentedControlFrame)
		}
	} else if limit > 0 && payloadLen > uint64(limit) {
		return Frame{}, ErrReadLimit
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return Frame{}, err
		}
	}

	payload, err := readPayload(r, payloadLen)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = payload
	if masked {
		maskBytes(mask[:], 0, f.Payload)
	}

	return f, nil
}

// readPayload reads n bytes. Large payloads grow as data arrives instead of
// trusting the announced length up front.
func readPayload(r io.Reader, n uint64) ([]byte, error) {
	if n <= maxPayloadPrealloc {
		p := make([]byte, n)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	var buf bytes.Buffer
	buf.Grow(maxPayloadPrealloc)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// appendFrame appends the wire encoding of f to dst. When masked is set a
// fresh masking key is drawn from randReader and the payload copy is masked;
// f.Payload itself is never modified.
func appendFrame(dst []byte, f Frame, masked bool) []byte {
	b0 := byte(f.Opcode) | f.RSV&rsvMask
	if f.Fin {
		b0 |= finalBit
	}

	var b1 byte
	if masked {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n <= 125:
		dst = append(dst, b0, b1|byte(n))
	case n <= 65535:
		dst = append(dst, b0, b1|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !masked {
		return append(dst, f.Payload...)
	}

	var mask [4]byte
	_, _ = io.ReadFull(randReader, mask[:])
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(mask[:], 0, dst[start:])
	return dst
}

// maskBytes applies XOR masking to data per RFC 6455, section 5.3.
// The mask is a 4-byte value, applied cyclically to each byte of the payload.
func maskBytes(mask []byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= mask[(pos+i)%4]
	}
	return (pos + len(data)) % 4
}
