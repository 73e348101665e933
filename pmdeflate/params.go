package pmdeflate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/vitalvas/wsext/extension"
)

// Extension and parameter names per RFC 7692, section 7.
const (
	ExtensionName = "permessage-deflate"

	ServerNoContextTakeover = "server_no_context_takeover"
	ClientNoContextTakeover = "client_no_context_takeover"
	ServerMaxWindowBits     = "server_max_window_bits"
	ClientMaxWindowBits     = "client_max_window_bits"
)

// LZ77 window size bounds per RFC 7692, section 7.1.2.
const (
	MinWindowBits = 8
	MaxWindowBits = 15
)

// ErrInvalidParams reports parameters that do not follow RFC 7692.
var ErrInvalidParams = errors.New("pmdeflate: invalid parameters")

// Params are typed permessage-deflate parameters. Zero window bits mean the
// parameter is absent.
type Params struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int

	// clientMaxWindowBitsHint is set when a client offers
	// client_max_window_bits without a value.
	clientMaxWindowBitsHint bool
}

// ParseParams converts wire parameters into Params. Unknown and duplicate
// parameters, values on flag parameters, and malformed or out of range
// window sizes are rejected.
func ParseParams(raw extension.Params) (Params, error) {
	var p Params
	seen := make(map[string]bool, len(raw))

	for _, param := range raw {
		if seen[param.Key] {
			return Params{}, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidParams, param.Key)
		}
		seen[param.Key] = true

		switch param.Key {
		case ServerNoContextTakeover, ClientNoContextTakeover:
			if param.HasValue {
				return Params{}, fmt.Errorf("%w: %q takes no value", ErrInvalidParams, param.Key)
			}
			if param.Key == ServerNoContextTakeover {
				p.ServerNoContextTakeover = true
			} else {
				p.ClientNoContextTakeover = true
			}

		case ServerMaxWindowBits:
			if !param.HasValue {
				return Params{}, fmt.Errorf("%w: %q requires a value", ErrInvalidParams, param.Key)
			}
			bits, err := parseWindowBits(param.Value)
			if err != nil {
				return Params{}, fmt.Errorf("%w: %s: %w", ErrInvalidParams, param.Key, err)
			}
			p.ServerMaxWindowBits = bits

		case ClientMaxWindowBits:
			if !param.HasValue {
				p.clientMaxWindowBitsHint = true
				continue
			}
			bits, err := parseWindowBits(param.Value)
			if err != nil {
				return Params{}, fmt.Errorf("%w: %s: %w", ErrInvalidParams, param.Key, err)
			}
			p.ClientMaxWindowBits = bits

		default:
			return Params{}, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParams, param.Key)
		}
	}

	return p, nil
}

// Encode converts p into wire parameters in a fixed order.
func (p Params) Encode() extension.Params {
	var out extension.Params
	if p.ServerNoContextTakeover {
		out = append(out, extension.Param{Key: ServerNoContextTakeover})
	}
	if p.ClientNoContextTakeover {
		out = append(out, extension.Param{Key: ClientNoContextTakeover})
	}
	if p.ServerMaxWindowBits != 0 {
		out = append(out, extension.Param{Key: ServerMaxWindowBits, Value: strconv.Itoa(p.ServerMaxWindowBits), HasValue: true})
	}
	switch {
	case p.ClientMaxWindowBits != 0:
		out = append(out, extension.Param{Key: ClientMaxWindowBits, Value: strconv.Itoa(p.ClientMaxWindowBits), HasValue: true})
	case p.clientMaxWindowBitsHint:
		out = append(out, extension.Param{Key: ClientMaxWindowBits})
	}
	return out
}

// parseWindowBits parses 1*DIGIT without leading zeros in 8..15.
func parseWindowBits(s string) (int, error) {
	if s == "" || len(s) > 2 || s[0] == '0' {
		return 0, fmt.Errorf("invalid window bits %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid window bits %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < MinWindowBits || n > MaxWindowBits {
		return 0, fmt.Errorf("window bits %d out of range [%d, %d]", n, MinWindowBits, MaxWindowBits)
	}
	return n, nil
}

func windowOrDefault(bits int) int {
	if bits == 0 {
		return MaxWindowBits
	}
	return bits
}
