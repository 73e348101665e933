package extension

import "errors"

// Errors returned by the extension package and by Descriptor and Codec
// implementations. Implementations wrap these with fmt.Errorf so callers can
// classify failures with errors.Is.
var (
	// ErrDeclined reports that a single offer was not accepted. It is never
	// fatal to the connection.
	ErrDeclined = errors.New("extension: offer declined")

	// ErrMalformedHeader reports Sec-WebSocket-Extensions syntax that does
	// not follow RFC 6455, section 9.1.
	ErrMalformedHeader = errors.New("extension: malformed header")

	// ErrProtocolViolation reports frames or handshake responses that break
	// the rules of a negotiated extension.
	ErrProtocolViolation = errors.New("extension: protocol violation")

	// ErrCompression reports a corrupt stream or an internal transform
	// failure.
	ErrCompression = errors.New("extension: compression failure")

	// ErrMessageTooBig reports a decoded message exceeding a configured cap.
	ErrMessageTooBig = errors.New("extension: message too big")

	// ErrConfiguration reports an invalid local extension setup. It is a
	// startup-time error.
	ErrConfiguration = errors.New("extension: invalid configuration")
)

// IsFatal reports whether err must terminate the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrCompression) ||
		errors.Is(err, ErrMessageTooBig)
}
