package mqterm

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty string", input: ""},
		{name: "simple ASCII", input: "hello"},
		{name: "UTF-8 characters", input: "hello 世界 🌍"},
		{name: "max length string", input: strings.Repeat("a", 65535)},
		{name: "string too long", input: strings.Repeat("a", 65536), wantErr: ErrStringTooLong},
		{name: "string with null", input: "hello\x00world", wantErr: ErrStringContainsNull},
		{name: "invalid UTF-8", input: string([]byte{0xFF, 0xFE}), wantErr: ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			n, err := encodeString(&buf, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.input), n)

			decoded, n2, err := decodeString(&buf)
			require.NoError(t, err)
			assert.Equal(t, n, n2)
			assert.Equal(t, tt.input, decoded)
		})
	}
}

func TestDecodeStringRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "invalid UTF-8", input: []byte{0x00, 0x03, 0xFF, 0xFE, 0xFD}, wantErr: ErrInvalidUTF8},
		{name: "null character", input: []byte{0x00, 0x05, 'h', 'e', 0x00, 'l', 'o'}, wantErr: ErrStringContainsNull},
		{name: "truncated body", input: []byte{0x00, 0x05, 'h', 'e'}, wantErr: io.ErrUnexpectedEOF},
		{name: "truncated length", input: []byte{0x00}, wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeString(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncodeDecodeBinary(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr error
	}{
		{name: "nil data", input: nil, want: nil},
		{name: "empty data decodes as nil", input: []byte{}, want: nil},
		{name: "binary with null", input: []byte{0x00, 0x01, 0x00}, want: []byte{0x00, 0x01, 0x00}},
		{name: "max length", input: bytes.Repeat([]byte{0xAB}, 65535), want: bytes.Repeat([]byte{0xAB}, 65535)},
		{name: "too long", input: bytes.Repeat([]byte{0xAB}, 65536), wantErr: ErrBinaryTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			n, err := encodeBinary(&buf, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, 2+len(tt.input), n)

			decoded, _, err := decodeBinary(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decoded)
		})
	}
}

func TestStringPair(t *testing.T) {
	var buf bytes.Buffer
	pair := StringPair{Key: "seq", Value: "-1"}

	n, err := encodeStringPair(&buf, pair)
	require.NoError(t, err)
	assert.Equal(t, 2+3+2+2, n)

	decoded, n2, err := decodeStringPair(&buf)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, pair, decoded)
}

func TestVarint(t *testing.T) {
	tests := []struct {
		name    string
		value   uint32
		encoded []byte
	}{
		{name: "zero", value: 0, encoded: []byte{0x00}},
		{name: "one byte max", value: 127, encoded: []byte{0x7F}},
		{name: "two bytes min", value: 128, encoded: []byte{0x80, 0x01}},
		{name: "two bytes max", value: 16383, encoded: []byte{0xFF, 0x7F}},
		{name: "three bytes min", value: 16384, encoded: []byte{0x80, 0x80, 0x01}},
		{name: "three bytes max", value: 2097151, encoded: []byte{0xFF, 0xFF, 0x7F}},
		{name: "four bytes min", value: 2097152, encoded: []byte{0x80, 0x80, 0x80, 0x01}},
		{name: "four bytes max", value: 268435455, encoded: []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := appendVarint(nil, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.encoded, got)
			assert.Equal(t, len(tt.encoded), varintSize(tt.value))

			var buf bytes.Buffer
			n, err := encodeVarint(&buf, tt.value)
			require.NoError(t, err)
			assert.Equal(t, len(tt.encoded), n)

			value, n, err := decodeVarint(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, len(tt.encoded), n)

			value, size, ok, err := parseVarint(tt.encoded)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, len(tt.encoded), size)
		})
	}
}

func TestVarintTooLarge(t *testing.T) {
	_, err := appendVarint(nil, 268435456)
	assert.ErrorIs(t, err, ErrVarintTooLarge)

	var buf bytes.Buffer
	_, err = encodeVarint(&buf, 268435456)
	assert.ErrorIs(t, err, ErrVarintTooLarge)
	assert.Zero(t, buf.Len())
}

func TestVarintMalformed(t *testing.T) {
	fiveBytes := []byte{0x80, 0x80, 0x80, 0x80, 0x01}

	_, n, err := decodeVarint(bytes.NewReader(fiveBytes))
	assert.ErrorIs(t, err, ErrVarintMalformed)
	assert.Equal(t, 4, n)

	_, _, ok, err := parseVarint(fiveBytes)
	assert.ErrorIs(t, err, ErrVarintMalformed)
	assert.False(t, ok)
}

func TestParseVarintIncomplete(t *testing.T) {
	for _, buf := range [][]byte{nil, {0x80}, {0xFF, 0xFF}, {0x80, 0x80, 0x80}} {
		_, _, ok, err := parseVarint(buf)
		require.NoError(t, err)
		assert.False(t, ok, "% x", buf)
	}
}
