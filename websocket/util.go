package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"unicode/utf8"
)

var randReader io.Reader = rand.Reader

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// parseClosePayload validates a received close frame body. An empty body
// yields CloseNoStatusReceived.
func parseClosePayload(p []byte) (int, string, error) {
	switch len(p) {
	case 0:
		return CloseNoStatusReceived, "", nil
	case 1:
		return 0, "", protocolError(ErrInvalidClosePayload)
	}

	code := int(binary.BigEndian.Uint16(p))
	if !validReceivedCloseCode(code) {
		return 0, "", protocolError(ErrInvalidCloseCode)
	}

	text := p[2:]
	if !utf8.Valid(text) {
		return 0, "", ErrInvalidUTF8
	}
	return code, string(text), nil
}

// validReceivedCloseCode reports whether code may appear in a close frame
// on the wire (RFC 6455, section 7.4).
func validReceivedCloseCode(code int) bool {
	switch {
	case code >= CloseNormalClosure && code <= CloseUnsupportedData:
		return true
	case code >= CloseInvalidFramePayloadData && code <= CloseTryAgainLater:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// IsCloseError returns true if the error is a CloseError with one of the specified codes.
// Close codes are defined in RFC 6455, section 7.4.1.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a code
// NOT in the expected codes list. Close codes are defined in RFC 6455, section 7.4.1.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}
