package extension

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Param is a single extension parameter. HasValue distinguishes "key" from
// "key=value".
type Param struct {
	Key      string
	Value    string
	HasValue bool
}

// Params is an ordered parameter list as it appears on the wire. Duplicate
// keys are preserved so that descriptors can decline them.
type Params []Param

// Get returns the value of key and whether key is present.
func (p Params) Get(key string) (string, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Clone returns a copy of p that shares no memory with it.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// String formats p as it follows an extension name in a header value,
// e.g. "; server_no_context_takeover; client_max_window_bits=10".
func (p Params) String() string {
	var b strings.Builder
	for _, param := range p {
		b.WriteString("; ")
		b.WriteString(param.Key)
		if param.HasValue {
			b.WriteByte('=')
			b.WriteString(param.Value)
		}
	}
	return b.String()
}

// Offer is one element of a Sec-WebSocket-Extensions header.
type Offer struct {
	Name   string
	Params Params
}

func (o Offer) String() string {
	return o.Name + o.Params.String()
}

// ParseHeader parses Sec-WebSocket-Extensions header values per RFC 6455,
// section 9.1. Offers are returned in the order the peer sent them, which is
// the peer's order of preference.
func ParseHeader(values []string) ([]Offer, error) {
	var offers []Offer
	for _, v := range values {
		p := headerParser{s: v}
		parsed, err := p.parse()
		if err != nil {
			return nil, err
		}
		offers = append(offers, parsed...)
	}
	return offers, nil
}

// FormatOffers formats offers as a single header value.
func FormatOffers(offers []Offer) string {
	parts := make([]string, 0, len(offers))
	for _, o := range offers {
		parts = append(parts, o.String())
	}
	return strings.Join(parts, ", ")
}

// FormatHeader formats the agreed extensions, in composition order, as the
// server's Sec-WebSocket-Extensions response value.
func FormatHeader(agreed []Agreed) string {
	parts := make([]string, 0, len(agreed))
	for _, a := range agreed {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

type headerParser struct {
	s   string
	pos int
}

func (p *headerParser) parse() ([]Offer, error) {
	var offers []Offer
	for {
		p.skipSpace()
		if p.done() {
			return offers, nil
		}
		// Empty list elements are allowed by the #rule.
		if p.peek() == ',' {
			p.pos++
			continue
		}

		name := p.token()
		if name == "" {
			return nil, p.errorf("expected extension name")
		}
		offer := Offer{Name: name}

		for {
			p.skipSpace()
			if p.done() {
				break
			}
			if p.peek() == ',' {
				p.pos++
				break
			}
			if p.peek() != ';' {
				return nil, p.errorf("unexpected character %q", p.peek())
			}
			p.pos++
			param, err := p.param()
			if err != nil {
				return nil, err
			}
			offer.Params = append(offer.Params, param)
		}

		offers = append(offers, offer)
	}
}

func (p *headerParser) param() (Param, error) {
	p.skipSpace()
	key := p.token()
	if key == "" {
		return Param{}, p.errorf("expected parameter name")
	}
	param := Param{Key: key}

	p.skipSpace()
	if p.done() || p.peek() != '=' {
		return param, nil
	}
	p.pos++
	p.skipSpace()

	var value string
	if !p.done() && p.peek() == '"' {
		v, err := p.quoted()
		if err != nil {
			return Param{}, err
		}
		// The unescaped value must still be a token (RFC 6455, section 9.1).
		if !isToken(v) {
			return Param{}, p.errorf("quoted value %q of %q is not a token", v, key)
		}
		value = v
	} else {
		value = p.token()
		if value == "" {
			return Param{}, p.errorf("expected value for %q", key)
		}
	}

	param.Value = value
	param.HasValue = true
	return param, nil
}

func (p *headerParser) quoted() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos >= len(p.s) {
				return "", p.errorf("unterminated escape")
			}
			b.WriteByte(p.s[p.pos])
			p.pos++
		default:
			b.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated quoted string")
}

func (p *headerParser) token() string {
	start := p.pos
	for p.pos < len(p.s) && httpguts.IsTokenRune(rune(p.s[p.pos])) {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *headerParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *headerParser) done() bool {
	return p.pos >= len(p.s)
}

func (p *headerParser) peek() byte {
	return p.s[p.pos]
}

func (p *headerParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrMalformedHeader, fmt.Sprintf(format, args...), p.pos, p.s)
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}
