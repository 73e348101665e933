package extension

import (
	"errors"
	"fmt"
)

// Agreed is an extension accepted for one connection.
type Agreed struct {
	Name   string
	Params Params

	desc Descriptor
}

// NewCodec instantiates the transform for this connection.
func (a Agreed) NewCodec(role Role) (Codec, error) {
	if a.desc == nil {
		return nil, fmt.Errorf("%w: %s: no descriptor", ErrConfiguration, a.Name)
	}
	return a.desc.NewCodec(a.Params, role)
}

// ReservedBits returns the RSV bits claimed by the extension.
func (a Agreed) ReservedBits() byte {
	if a.desc == nil {
		return 0
	}
	return a.desc.ReservedBits()
}

func (a Agreed) String() string {
	return a.Name + a.Params.String()
}

// Declined records an offer that was not accepted and why.
type Declined struct {
	Offer Offer
	Err   error
}

// Negotiate matches the peer's offers against reg on the server side.
//
// Offers are walked in the order received. The first offer of a given name
// that validates wins; later offers of the same name are ignored. Offers that
// fail validation are returned in the second result and negotiation moves on.
// Offers naming unregistered extensions are skipped silently. An empty result
// means no extension is in use.
func Negotiate(offers []Offer, reg *Registry) ([]Agreed, []Declined) {
	var (
		agreed   []Agreed
		declined []Declined
		reserved byte
	)
	accepted := make(map[string]bool)

	for _, offer := range offers {
		desc, ok := reg.Lookup(offer.Name)
		if !ok || accepted[offer.Name] {
			continue
		}

		decline := func(err error) {
			if !errors.Is(err, ErrDeclined) {
				err = fmt.Errorf("%w: %s: %w", ErrDeclined, offer.Name, err)
			}
			declined = append(declined, Declined{Offer: offer, Err: err})
		}

		if err := checkParamKeys(offer.Params, desc.AcceptedParams()); err != nil {
			decline(err)
			continue
		}
		if bits := desc.ReservedBits(); bits&reserved != 0 {
			decline(fmt.Errorf("reserved bits %#x already in use", bits&reserved))
			continue
		}

		params, err := desc.Validate(offer.Params.Clone())
		if err != nil {
			decline(err)
			continue
		}

		accepted[offer.Name] = true
		reserved |= desc.ReservedBits()
		agreed = append(agreed, Agreed{Name: offer.Name, Params: params, desc: desc})
	}

	return agreed, declined
}

// Offers builds the client's offer list from descs, in order.
func Offers(descs []Descriptor) []Offer {
	offers := make([]Offer, 0, len(descs))
	for _, d := range descs {
		offers = append(offers, Offer{Name: d.Name(), Params: d.Offer()})
	}
	return offers
}

// Accept validates the server's response on the client side. Any extension
// the client did not offer, any repetition, or any parameter the descriptor
// rejects is a protocol violation and the client must fail the connection.
func Accept(response []Offer, descs []Descriptor) ([]Agreed, error) {
	byName := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name()] = d
	}

	var (
		agreed   []Agreed
		reserved byte
	)
	seen := make(map[string]bool)

	for _, r := range response {
		desc, ok := byName[r.Name]
		if !ok {
			return nil, fmt.Errorf("%w: server selected unrequested extension %q", ErrProtocolViolation, r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: server selected %q more than once", ErrProtocolViolation, r.Name)
		}
		if err := checkParamKeys(r.Params, desc.AcceptedParams()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocolViolation, r.Name, err)
		}
		if bits := desc.ReservedBits(); bits&reserved != 0 {
			return nil, fmt.Errorf("%w: %s: reserved bits %#x already in use", ErrProtocolViolation, r.Name, bits&reserved)
		}

		params, err := desc.Accept(r.Params.Clone())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocolViolation, r.Name, err)
		}

		seen[r.Name] = true
		reserved |= desc.ReservedBits()
		agreed = append(agreed, Agreed{Name: r.Name, Params: params, desc: desc})
	}

	return agreed, nil
}
