package extension

import (
	"fmt"

	"go.uber.org/multierr"
)

var errChainClosed = fmt.Errorf("%w: chain closed", ErrCompression)

// Codec is the per-connection transform of one agreed extension. It owns an
// outbound and an inbound context that are independent of each other, so
// Encode and Decode may be called from different goroutines. Each of them
// must be called sequentially and in message order.
type Codec interface {
	// Encode transforms an outbound message payload and returns the RSV
	// bits to set on the first frame of the message.
	Encode(payload []byte) ([]byte, byte, error)

	// Decode reverses Encode for an assembled inbound message whose first
	// frame carried rsv.
	Decode(payload []byte, rsv byte) ([]byte, error)

	// Close releases the codec contexts.
	Close() error
}

// LimitedDecoder is implemented by codecs that can stop decoding as soon as
// the output grows past limit bytes. Such codecs fail with ErrMessageTooBig
// without materializing the rest of the message.
type LimitedDecoder interface {
	DecodeLimit(payload []byte, rsv byte, limit int64) ([]byte, error)
}

// Chain applies the codecs of one connection in composition order. A nil or
// empty Chain passes payloads through unchanged.
type Chain struct {
	names    []string
	codecs   []Codec
	reserved byte
	closed   bool
}

// NewChain instantiates codecs for agreed in negotiated order.
func NewChain(agreed []Agreed, role Role) (*Chain, error) {
	c := &Chain{}
	for _, a := range agreed {
		codec, err := a.NewCodec(role)
		if err != nil {
			closeErr := c.Close()
			return nil, multierr.Append(fmt.Errorf("%w: %s: %w", ErrConfiguration, a.Name, err), closeErr)
		}
		c.names = append(c.names, a.Name)
		c.codecs = append(c.codecs, codec)
		c.reserved |= a.ReservedBits()
	}
	return c, nil
}

// Reserved returns the union of RSV bits claimed by the chain.
func (c *Chain) Reserved() byte {
	if c == nil {
		return 0
	}
	return c.reserved
}

// Len returns the number of codecs in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.codecs)
}

// Names returns the extension names in composition order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Encode runs payload through the codecs first to last.
func (c *Chain) Encode(payload []byte) ([]byte, byte, error) {
	if c == nil {
		return payload, 0, nil
	}
	if c.closed {
		return nil, 0, errChainClosed
	}
	var rsv byte
	for _, codec := range c.codecs {
		out, bits, err := codec.Encode(payload)
		if err != nil {
			return nil, 0, err
		}
		payload = out
		rsv |= bits
	}
	return payload, rsv, nil
}

// Decode runs payload through the codecs last to first.
func (c *Chain) Decode(payload []byte, rsv byte) ([]byte, error) {
	return c.DecodeLimit(payload, rsv, 0)
}

// DecodeLimit is Decode with every intermediate and final result capped at
// limit bytes. Codecs implementing LimitedDecoder stop early; the output of
// the others is checked after the fact. A limit of zero or less disables the
// cap.
func (c *Chain) DecodeLimit(payload []byte, rsv byte, limit int64) ([]byte, error) {
	if c == nil {
		return payload, nil
	}
	if c.closed {
		return nil, errChainClosed
	}
	for i := len(c.codecs) - 1; i >= 0; i-- {
		var (
			out []byte
			err error
		)
		if ld, ok := c.codecs[i].(LimitedDecoder); ok && limit > 0 {
			out, err = ld.DecodeLimit(payload, rsv, limit)
		} else {
			out, err = c.codecs[i].Decode(payload, rsv)
		}
		if err != nil {
			return nil, err
		}
		if limit > 0 && int64(len(out)) > limit {
			return nil, fmt.Errorf("%w: decoded %d bytes, limit %d", ErrMessageTooBig, len(out), limit)
		}
		payload = out
	}
	return payload, nil
}

// Close closes every codec and combines their errors.
func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	var err error
	for _, codec := range c.codecs {
		err = multierr.Append(err, codec.Close())
	}
	c.codecs = nil
	c.closed = true
	return err
}
