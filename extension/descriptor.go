package extension

import (
	"fmt"
	"slices"
)

// Reserved frame header bits (RFC 6455, section 5.2) as they appear in the
// first header byte. Extensions claim them through Descriptor.ReservedBits.
const (
	RSV1 byte = 1 << 6
	RSV2 byte = 1 << 5
	RSV3 byte = 1 << 4
)

// Role tells a codec which side of the connection it serves. Parameters such
// as server_no_context_takeover apply to a direction, so the same agreed
// parameters produce mirrored codecs on each side.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Descriptor describes one locally supported extension.
type Descriptor interface {
	// Name is the extension token used on the wire.
	Name() string

	// AcceptedParams lists the parameter keys the extension understands.
	// Offers carrying any other key are declined before Validate runs.
	AcceptedParams() []string

	// ReservedBits returns the RSV bits the extension uses on data frames.
	ReservedBits() byte

	// Validate is called on the server with one offer's parameters and
	// returns the normalized parameters to send back. An error declines
	// the offer.
	Validate(offer Params) (Params, error)

	// Offer returns the parameters a client sends when requesting the
	// extension.
	Offer() Params

	// Accept is called on the client with the server's response
	// parameters. An error means the client must fail the connection.
	Accept(response Params) (Params, error)

	// NewCodec instantiates the per-connection transform for the agreed
	// parameters.
	NewCodec(agreed Params, role Role) (Codec, error)
}

// Registry is the set of extensions a server supports. It is immutable once
// built and safe for concurrent use.
type Registry struct {
	descriptors []Descriptor
	byName      map[string]Descriptor
}

// NewRegistry builds a Registry. The order of descs is kept for
// introspection only; negotiation order always follows the peer's offer.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if d == nil {
			return nil, fmt.Errorf("%w: nil descriptor", ErrConfiguration)
		}
		name := d.Name()
		if !isToken(name) {
			return nil, fmt.Errorf("%w: extension name %q is not a token", ErrConfiguration, name)
		}
		if _, ok := r.byName[name]; ok {
			return nil, fmt.Errorf("%w: duplicate extension %q", ErrConfiguration, name)
		}
		for _, key := range d.AcceptedParams() {
			if !isToken(key) {
				return nil, fmt.Errorf("%w: %s: parameter %q is not a token", ErrConfiguration, name, key)
			}
		}
		r.byName[name] = d
		r.descriptors = append(r.descriptors, d)
	}
	return r, nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	if r == nil {
		return nil, false
	}
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns the registered descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	return slices.Clone(r.descriptors)
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.descriptors)
}

func checkParamKeys(params Params, accepted []string) error {
	for _, p := range params {
		if !slices.Contains(accepted, p.Key) {
			return fmt.Errorf("unknown parameter %q", p.Key)
		}
	}
	return nil
}
