package websocket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatCloseMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		text     string
		expected []byte
	}{
		{
			name:     "Normal closure with text",
			code:     CloseNormalClosure,
			text:     "goodbye",
			expected: []byte{0x03, 0xe8, 'g', 'o', 'o', 'd', 'b', 'y', 'e'},
		},
		{
			name:     "Normal closure without text",
			code:     CloseNormalClosure,
			text:     "",
			expected: []byte{0x03, 0xe8},
		},
		{
			name:     "No status received returns empty",
			code:     CloseNoStatusReceived,
			text:     "ignored",
			expected: []byte{},
		},
		{
			name:     "Going away",
			code:     CloseGoingAway,
			text:     "bye",
			expected: []byte{0x03, 0xe9, 'b', 'y', 'e'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatCloseMessage(tt.code, tt.text)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsCloseError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		codes    []int
		expected bool
	}{
		{
			name:     "Matching close error",
			err:      &CloseError{Code: CloseNormalClosure, Text: "bye"},
			codes:    []int{CloseNormalClosure, CloseGoingAway},
			expected: true,
		},
		{
			name:     "Non-matching close error",
			err:      &CloseError{Code: CloseProtocolError, Text: "error"},
			codes:    []int{CloseNormalClosure, CloseGoingAway},
			expected: false,
		},
		{
			name:     "Not a close error",
			err:      errors.New("some error"),
			codes:    []int{CloseNormalClosure},
			expected: false,
		},
		{
			name:     "Nil error",
			err:      nil,
			codes:    []int{CloseNormalClosure},
			expected: false,
		},
		{
			name:     "Single matching code",
			err:      &CloseError{Code: CloseGoingAway, Text: ""},
			codes:    []int{CloseGoingAway},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsCloseError(tt.err, tt.codes...)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsUnexpectedCloseError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		expectedCodes []int
		expected      bool
	}{
		{
			name:          "Expected close code",
			err:           &CloseError{Code: CloseNormalClosure, Text: "bye"},
			expectedCodes: []int{CloseNormalClosure, CloseGoingAway},
			expected:      false,
		},
		{
			name:          "Unexpected close code",
			err:           &CloseError{Code: CloseProtocolError, Text: "error"},
			expectedCodes: []int{CloseNormalClosure, CloseGoingAway},
			expected:      true,
		},
		{
			name:          "Not a close error",
			err:           errors.New("some error"),
			expectedCodes: []int{CloseNormalClosure},
			expected:      false,
		},
		{
			name:          "Nil error",
			err:           nil,
			expectedCodes: []int{CloseNormalClosure},
			expected:      false,
		},
		{
			name:          "Empty expected codes with close error",
			err:           &CloseError{Code: CloseNormalClosure, Text: ""},
			expectedCodes: []int{},
			expected:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsUnexpectedCloseError(tt.err, tt.expectedCodes...)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseClosePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		code    int
		text    string
		err     error
	}{
		{"Empty body", nil, CloseNoStatusReceived, "", nil},
		{"Code only", []byte{0x03, 0xe8}, CloseNormalClosure, "", nil},
		{"Code and reason", []byte{0x03, 0xe9, 'b', 'y', 'e'}, CloseGoingAway, "bye", nil},
		{"Private code", []byte{0x0f, 0xa0}, 4000, "", nil},
		{"Single byte", []byte{0x03}, 0, "", ErrInvalidClosePayload},
		{"Reserved code 1005", []byte{0x03, 0xed}, 0, "", ErrInvalidCloseCode},
		{"Reserved code 1006", []byte{0x03, 0xee}, 0, "", ErrInvalidCloseCode},
		{"Unassigned code 1016", []byte{0x03, 0xf8}, 0, "", ErrInvalidCloseCode},
		{"Code below range", []byte{0x00, 0x00}, 0, "", ErrInvalidCloseCode},
		{"Code above range", []byte{0x13, 0x88}, 0, "", ErrInvalidCloseCode},
		{"Invalid UTF-8 reason", []byte{0x03, 0xe8, 0xff, 0xfe}, 0, "", ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, text, err := parseClosePayload(tt.payload)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.text, text)
		})
	}

	t.Run("Protocol errors map to 1002", func(t *testing.T) {
		_, _, err := parseClosePayload([]byte{0x03})
		code, ok := CloseCodeFor(err)
		assert.True(t, ok)
		assert.Equal(t, CloseProtocolError, code)
	})
}

func TestValidReceivedCloseCode(t *testing.T) {
	valid := []int{1000, 1001, 1002, 1003, 1007, 1008, 1009, 1010, 1011, 1012, 1013, 3000, 4999}
	for _, code := range valid {
		assert.True(t, validReceivedCloseCode(code), "code %d", code)
	}

	invalid := []int{0, 999, 1004, 1005, 1006, 1014, 1015, 2999, 5000}
	for _, code := range invalid {
		assert.False(t, validReceivedCloseCode(code), "code %d", code)
	}
}

func FuzzParseClosePayload(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x03, 0xe8})
	f.Add([]byte{0x03, 0xe8, 'o', 'k'})
	f.Add([]byte{0x03})

	f.Fuzz(func(t *testing.T, p []byte) {
		code, _, err := parseClosePayload(p)
		if err == nil && len(p) > 0 && !validReceivedCloseCode(code) {
			t.Errorf("accepted invalid close code %d", code)
		}
	})
}

func FuzzComputeAcceptKey(f *testing.F) {
	f.Add("dGhlIHNhbXBsZSBub25jZQ==")
	f.Add("xqBt3ImNzJbYqRINxEFlkg==")
	f.Add("")
	f.Add("short")

	f.Fuzz(func(t *testing.T, key string) {
		result := computeAcceptKey(key)

		if result == "" {
			t.Errorf("computeAcceptKey returned empty string")
		}

		result2 := computeAcceptKey(key)
		if result != result2 {
			t.Errorf("computeAcceptKey not deterministic")
		}
	})
}
