package extension

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDescriptor accepts offers whose "mode" parameter is "good" or absent.
type testDescriptor struct {
	name string
	bits byte
}

func (d *testDescriptor) Name() string             { return d.name }
func (d *testDescriptor) AcceptedParams() []string { return []string{"mode"} }
func (d *testDescriptor) ReservedBits() byte       { return d.bits }
func (d *testDescriptor) Offer() Params            { return Params{{Key: "mode", Value: "good", HasValue: true}} }

func (d *testDescriptor) Validate(offer Params) (Params, error) {
	if v, ok := offer.Get("mode"); ok && v != "good" {
		return nil, errors.New("bad mode")
	}
	return offer, nil
}

func (d *testDescriptor) Accept(response Params) (Params, error) {
	return d.Validate(response)
}

func (d *testDescriptor) NewCodec(_ Params, _ Role) (Codec, error) {
	return &xorCodec{key: d.name[0], bits: d.bits}, nil
}

func mustRegistry(t *testing.T, descs ...Descriptor) *Registry {
	t.Helper()
	reg, err := NewRegistry(descs...)
	require.NoError(t, err)
	return reg
}

func good(name string) Offer {
	return Offer{Name: name, Params: Params{{Key: "mode", Value: "good", HasValue: true}}}
}

func bad(name string) Offer {
	return Offer{Name: name, Params: Params{{Key: "mode", Value: "bad", HasValue: true}}}
}

func agreedNames(agreed []Agreed) []string {
	names := make([]string, 0, len(agreed))
	for _, a := range agreed {
		names = append(names, a.String())
	}
	return names
}

func TestNegotiate(t *testing.T) {
	reg := mustRegistry(t,
		&testDescriptor{name: "a", bits: RSV1},
		&testDescriptor{name: "b", bits: RSV2},
	)

	t.Run("Order preservation skips bad offers", func(t *testing.T) {
		agreed, declined := Negotiate([]Offer{bad("a"), good("a"), good("b")}, reg)
		assert.Equal(t, []string{"a; mode=good", "b; mode=good"}, agreedNames(agreed))
		require.Len(t, declined, 1)
		assert.Equal(t, bad("a"), declined[0].Offer)
		assert.ErrorIs(t, declined[0].Err, ErrDeclined)
		assert.False(t, IsFatal(declined[0].Err))
	})

	t.Run("Peer order decides composition order", func(t *testing.T) {
		agreed, _ := Negotiate([]Offer{good("b"), good("a")}, reg)
		assert.Equal(t, []string{"b; mode=good", "a; mode=good"}, agreedNames(agreed))
	})

	t.Run("Same offer twice yields one agreement", func(t *testing.T) {
		agreed, declined := Negotiate([]Offer{good("a"), good("a")}, reg)
		require.Len(t, agreed, 1)
		assert.Equal(t, "a", agreed[0].Name)
		assert.Empty(t, declined)
	})

	t.Run("Unknown extensions are ignored", func(t *testing.T) {
		agreed, declined := Negotiate([]Offer{{Name: "x-unknown"}, good("b")}, reg)
		assert.Equal(t, []string{"b; mode=good"}, agreedNames(agreed))
		assert.Empty(t, declined)
	})

	t.Run("Unknown parameter declines the offer", func(t *testing.T) {
		offer := Offer{Name: "a", Params: Params{{Key: "other"}}}
		agreed, declined := Negotiate([]Offer{offer}, reg)
		assert.Empty(t, agreed)
		require.Len(t, declined, 1)
		assert.ErrorIs(t, declined[0].Err, ErrDeclined)
		assert.Contains(t, declined[0].Err.Error(), "unknown parameter")
	})

	t.Run("No acceptable offer is not an error", func(t *testing.T) {
		agreed, declined := Negotiate([]Offer{bad("a"), bad("b")}, reg)
		assert.Empty(t, agreed)
		assert.Len(t, declined, 2)
	})

	t.Run("Nil registry", func(t *testing.T) {
		agreed, declined := Negotiate([]Offer{good("a")}, nil)
		assert.Empty(t, agreed)
		assert.Empty(t, declined)
	})

	t.Run("Offer params are not aliased", func(t *testing.T) {
		offer := good("a")
		agreed, _ := Negotiate([]Offer{offer}, reg)
		require.Len(t, agreed, 1)
		agreed[0].Params[0].Value = "changed"
		assert.Equal(t, "good", offer.Params[0].Value)
	})
}

func TestNegotiateReservedBitConflict(t *testing.T) {
	reg := mustRegistry(t,
		&testDescriptor{name: "a", bits: RSV1},
		&testDescriptor{name: "b", bits: RSV1},
	)

	agreed, declined := Negotiate([]Offer{good("a"), good("b")}, reg)
	assert.Equal(t, []string{"a; mode=good"}, agreedNames(agreed))
	require.Len(t, declined, 1)
	assert.Equal(t, "b", declined[0].Offer.Name)
	assert.ErrorIs(t, declined[0].Err, ErrDeclined)
}

func TestNewRegistry(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		reg := mustRegistry(t, &testDescriptor{name: "a"}, &testDescriptor{name: "b"})
		assert.Equal(t, 2, reg.Len())

		d, ok := reg.Lookup("b")
		require.True(t, ok)
		assert.Equal(t, "b", d.Name())

		_, ok = reg.Lookup("c")
		assert.False(t, ok)

		descs := reg.Descriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, "a", descs[0].Name())
	})

	t.Run("Duplicate name", func(t *testing.T) {
		_, err := NewRegistry(&testDescriptor{name: "a"}, &testDescriptor{name: "a"})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("Invalid name", func(t *testing.T) {
		_, err := NewRegistry(&testDescriptor{name: "bad name"})
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("Nil descriptor", func(t *testing.T) {
		_, err := NewRegistry(nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("Nil registry accessors", func(t *testing.T) {
		var reg *Registry
		assert.Equal(t, 0, reg.Len())
		assert.Nil(t, reg.Descriptors())
	})
}

func TestFormatHeader(t *testing.T) {
	reg := mustRegistry(t, &testDescriptor{name: "a", bits: RSV1}, &testDescriptor{name: "b", bits: RSV2})
	agreed, _ := Negotiate([]Offer{good("b"), {Name: "a"}}, reg)
	assert.Equal(t, "b; mode=good, a", FormatHeader(agreed))
	assert.Equal(t, "", FormatHeader(nil))
}

func TestOffersAndAccept(t *testing.T) {
	descs := []Descriptor{
		&testDescriptor{name: "a", bits: RSV1},
		&testDescriptor{name: "b", bits: RSV2},
	}

	t.Run("Offers", func(t *testing.T) {
		assert.Equal(t, []Offer{good("a"), good("b")}, Offers(descs))
	})

	t.Run("Accept subset", func(t *testing.T) {
		agreed, err := Accept([]Offer{good("b")}, descs)
		require.NoError(t, err)
		assert.Equal(t, []string{"b; mode=good"}, agreedNames(agreed))
	})

	t.Run("Accept empty", func(t *testing.T) {
		agreed, err := Accept(nil, descs)
		require.NoError(t, err)
		assert.Empty(t, agreed)
	})

	tests := []struct {
		name     string
		response []Offer
	}{
		{"Unrequested extension", []Offer{{Name: "c"}}},
		{"Duplicate extension", []Offer{good("a"), good("a")}},
		{"Unknown parameter", []Offer{{Name: "a", Params: Params{{Key: "zzz"}}}}},
		{"Rejected parameter", []Offer{bad("a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Accept(tt.response, descs)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.True(t, IsFatal(err))
		})
	}
}

func TestAgreedWithoutDescriptor(t *testing.T) {
	a := Agreed{Name: "orphan"}
	_, err := a.NewCodec(Server)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, byte(0), a.ReservedBits())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "server", Server.String())
	assert.Equal(t, "client", Client.String())
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrCompression))
	assert.True(t, IsFatal(ErrMessageTooBig))
	assert.True(t, IsFatal(ErrProtocolViolation))
	assert.False(t, IsFatal(ErrDeclined))
	assert.False(t, IsFatal(ErrConfiguration))
	assert.False(t, IsFatal(nil))
}
