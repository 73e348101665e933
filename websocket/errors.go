package websocket

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/vitalvas/wsext/extension"
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseTLSHandshake            = 1015
)

// Errors returned by the websocket package. Frame and message errors are
// returned wrapped in extension.ErrProtocolViolation.
var (
	ErrCloseSent                 = errors.New("websocket: close sent")
	ErrBadHandshake              = errors.New("websocket: bad handshake")
	ErrInvalidControlFrame       = errors.New("websocket: invalid control frame")
	ErrInvalidMessageType        = errors.New("websocket: invalid message type")
	ErrWriteToClosedConnection   = errors.New("websocket: write to closed connection")
	ErrInvalidCloseCode          = errors.New("websocket: invalid close code")
	ErrReservedBits              = errors.New("websocket: reserved bits set")
	ErrInvalidOpcode             = errors.New("websocket: invalid opcode")
	ErrFragmentedControlFrame    = errors.New("websocket: fragmented control frame")
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")
	ErrUnexpectedContinuation    = errors.New("websocket: unexpected continuation frame")
	ErrExpectedContinuation      = errors.New("websocket: expected continuation frame")
	ErrMaskedFrame               = errors.New("websocket: masked frame from server")
	ErrUnmaskedFrame             = errors.New("websocket: unmasked frame from client")
	ErrInvalidPayloadLength      = errors.New("websocket: invalid payload length")
	ErrInvalidClosePayload       = errors.New("websocket: invalid close payload")

	// ErrInvalidUTF8 reports a text message or close reason that is not
	// valid UTF-8. It maps to close code 1007.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8 in text payload")

	// ErrReadLimit reports a message larger than the connection read limit.
	ErrReadLimit = fmt.Errorf("websocket: read limit exceeded: %w", extension.ErrMessageTooBig)
)

func protocolError(err error) error {
	return fmt.Errorf("%w: %w", extension.ErrProtocolViolation, err)
}

// CloseError represents a WebSocket close error.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: close " + closeCodeString(e.Code) + " " + e.Text
}

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return strconv.Itoa(code)
	}
}

// CloseCodeFor maps a fatal read error to the close code the connection must
// send before closing. It returns false for errors that do not warrant a close
// frame, such as I/O failures.
func CloseCodeFor(err error) (int, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData, true
	case errors.Is(err, extension.ErrMessageTooBig):
		return CloseMessageTooBig, true
	case errors.Is(err, extension.ErrProtocolViolation),
		errors.Is(err, extension.ErrCompression),
		errors.Is(err, extension.ErrMalformedHeader):
		return CloseProtocolError, true
	}
	return 0, false
}
