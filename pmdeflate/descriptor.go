package pmdeflate

import (
	"fmt"

	"github.com/klauspost/compress/flate"
	"github.com/vitalvas/wsext/extension"
	"go.uber.org/multierr"
)

// Compression level bounds, as accepted by the flate package.
const (
	minCompressionLevel     = flate.HuffmanOnly
	maxCompressionLevel     = flate.BestCompression
	defaultCompressionLevel = flate.BestSpeed
)

// Config is the local permessage-deflate capability. On a server it states
// what the server requires from every accepted offer; on a client it states
// what the client requests.
type Config struct {
	// ServerNoContextTakeover resets the server's compression context after
	// every message.
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`

	// ClientNoContextTakeover asks the client to reset its compression
	// context after every message.
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`

	// ServerMaxWindowBits caps the server's LZ77 window (8..15). Zero means
	// no local cap.
	ServerMaxWindowBits int `yaml:"server_max_window_bits"`

	// ClientMaxWindowBits caps the client's LZ77 window (8..15) when the
	// client signals support for the parameter. Zero means no local cap.
	ClientMaxWindowBits int `yaml:"client_max_window_bits"`

	// Level is the flate compression level (-2..9). Zero selects
	// BestSpeed.
	Level int `yaml:"level"`

	// MaxMessageSize caps the size of an inflated message. Zero means no
	// cap.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// Validate reports configuration errors. These are startup-time failures.
func (c Config) Validate() error {
	var err error
	if c.ServerMaxWindowBits != 0 && (c.ServerMaxWindowBits < MinWindowBits || c.ServerMaxWindowBits > MaxWindowBits) {
		err = multierr.Append(err, fmt.Errorf("server_max_window_bits %d out of range [%d, %d]", c.ServerMaxWindowBits, MinWindowBits, MaxWindowBits))
	}
	if c.ClientMaxWindowBits != 0 && (c.ClientMaxWindowBits < MinWindowBits || c.ClientMaxWindowBits > MaxWindowBits) {
		err = multierr.Append(err, fmt.Errorf("client_max_window_bits %d out of range [%d, %d]", c.ClientMaxWindowBits, MinWindowBits, MaxWindowBits))
	}
	if c.Level < minCompressionLevel || c.Level > maxCompressionLevel {
		err = multierr.Append(err, fmt.Errorf("level %d out of range [%d, %d]", c.Level, minCompressionLevel, maxCompressionLevel))
	}
	if c.MaxMessageSize < 0 {
		err = multierr.Append(err, fmt.Errorf("max_message_size %d is negative", c.MaxMessageSize))
	}
	return err
}

func (c Config) level() int {
	if c.Level == 0 {
		return defaultCompressionLevel
	}
	return c.Level
}

// Descriptor is the permessage-deflate extension.Descriptor.
type Descriptor struct {
	cfg Config
}

var _ extension.Descriptor = (*Descriptor)(nil)

// New validates cfg and returns a Descriptor.
func New(cfg Config) (*Descriptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", extension.ErrConfiguration, ExtensionName, err)
	}
	return &Descriptor{cfg: cfg}, nil
}

// Config returns the descriptor's configuration.
func (d *Descriptor) Config() Config {
	return d.cfg
}

func (d *Descriptor) Name() string {
	return ExtensionName
}

func (d *Descriptor) AcceptedParams() []string {
	return []string{ServerNoContextTakeover, ClientNoContextTakeover, ServerMaxWindowBits, ClientMaxWindowBits}
}

// ReservedBits returns RSV1, the "Per-Message Compressed" bit.
func (d *Descriptor) ReservedBits() byte {
	return extension.RSV1
}

// Validate accepts a client offer per RFC 7692, section 7.1. Window sizes
// settle on the smaller of the offered and the configured value.
func (d *Descriptor) Validate(offer extension.Params) (extension.Params, error) {
	p, err := ParseParams(offer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extension.ErrDeclined, err)
	}

	resp := Params{
		ServerNoContextTakeover: p.ServerNoContextTakeover || d.cfg.ServerNoContextTakeover,
		ClientNoContextTakeover: p.ClientNoContextTakeover || d.cfg.ClientNoContextTakeover,
	}

	// The server may announce server_max_window_bits unasked, and must
	// answer it when offered.
	serverBits := windowOrDefault(d.cfg.ServerMaxWindowBits)
	if p.ServerMaxWindowBits != 0 {
		resp.ServerMaxWindowBits = min(serverBits, p.ServerMaxWindowBits)
	} else if serverBits < MaxWindowBits {
		resp.ServerMaxWindowBits = serverBits
	}

	// client_max_window_bits may only appear in the response when the
	// client offered it.
	if p.ClientMaxWindowBits != 0 || p.clientMaxWindowBitsHint {
		clientBits := windowOrDefault(d.cfg.ClientMaxWindowBits)
		if p.ClientMaxWindowBits != 0 {
			clientBits = min(clientBits, p.ClientMaxWindowBits)
		}
		if clientBits < MaxWindowBits || p.ClientMaxWindowBits != 0 {
			resp.ClientMaxWindowBits = clientBits
		}
	}

	return resp.Encode(), nil
}

// Offer returns the client offer for the configuration. The client always
// signals client_max_window_bits support since its inflater handles any
// window.
func (d *Descriptor) Offer() extension.Params {
	p := Params{
		ServerNoContextTakeover: d.cfg.ServerNoContextTakeover,
		ClientNoContextTakeover: d.cfg.ClientNoContextTakeover,
		clientMaxWindowBitsHint: true,
	}
	if d.cfg.ServerMaxWindowBits != 0 && d.cfg.ServerMaxWindowBits < MaxWindowBits {
		p.ServerMaxWindowBits = d.cfg.ServerMaxWindowBits
	}
	if d.cfg.ClientMaxWindowBits != 0 && d.cfg.ClientMaxWindowBits < MaxWindowBits {
		p.ClientMaxWindowBits = d.cfg.ClientMaxWindowBits
	}
	return p.Encode()
}

// Accept validates a server response against the client offer.
func (d *Descriptor) Accept(response extension.Params) (extension.Params, error) {
	p, err := ParseParams(response)
	if err != nil {
		return nil, err
	}
	if p.clientMaxWindowBitsHint {
		return nil, fmt.Errorf("%w: %q in a response requires a value", ErrInvalidParams, ClientMaxWindowBits)
	}
	if d.cfg.ServerNoContextTakeover && !p.ServerNoContextTakeover {
		return nil, fmt.Errorf("%w: server did not accept %q", ErrInvalidParams, ServerNoContextTakeover)
	}
	if requested := d.cfg.ServerMaxWindowBits; requested != 0 && requested < MaxWindowBits {
		if p.ServerMaxWindowBits == 0 || p.ServerMaxWindowBits > requested {
			return nil, fmt.Errorf("%w: server window %d exceeds requested %d", ErrInvalidParams, windowOrDefault(p.ServerMaxWindowBits), requested)
		}
	}
	if offered := d.cfg.ClientMaxWindowBits; offered != 0 && p.ClientMaxWindowBits > offered {
		return nil, fmt.Errorf("%w: client window %d exceeds offered %d", ErrInvalidParams, p.ClientMaxWindowBits, offered)
	}
	return p.Encode(), nil
}

// NewCodec returns the codec for one connection. The role selects which
// direction each agreed parameter applies to.
func (d *Descriptor) NewCodec(agreed extension.Params, role extension.Role) (extension.Codec, error) {
	p, err := ParseParams(agreed)
	if err != nil {
		return nil, err
	}

	var c *Codec
	switch role {
	case extension.Client:
		c = &Codec{
			compressor:   newCompressor(d.cfg.level(), windowOrDefault(p.ClientMaxWindowBits), p.ClientNoContextTakeover),
			decompressor: newDecompressor(p.ServerNoContextTakeover, d.cfg.MaxMessageSize),
		}
	default:
		c = &Codec{
			compressor:   newCompressor(d.cfg.level(), windowOrDefault(p.ServerMaxWindowBits), p.ServerNoContextTakeover),
			decompressor: newDecompressor(p.ClientNoContextTakeover, d.cfg.MaxMessageSize),
		}
	}
	return c, nil
}
