package mqterm

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
)

const (
	maxUint16    = 65535
	maxVarint    = 268435455
	maxVarintLen = 4

	varintContinue = 0x80
	varintMask     = 0x7F
)

func checkUTF8(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrStringContainsNull
	}
	return nil
}

func writeUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

func readUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

func readByte(r io.Reader) (byte, int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	return buf[0], n, err
}

// encodeString writes a length-prefixed UTF-8 string.
func encodeString(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}
	if err := checkUTF8(s); err != nil {
		return 0, err
	}

	n, err := writeUint16(w, uint16(len(s)))
	if err != nil {
		return n, err
	}
	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a length-prefixed UTF-8 string.
func decodeString(r io.Reader) (string, int, error) {
	data, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}

	s := string(data)
	if err := checkUTF8(s); err != nil {
		return "", n, err
	}
	return s, n, nil
}

// encodeBinary writes length-prefixed binary data.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	n, err := writeUint16(w, uint16(len(data)))
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads length-prefixed binary data. Zero length yields nil.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := readUint16(r)
	if err != nil || length == 0 {
		return nil, n, err
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}
	return buf, n, nil
}

// StringPair is a UTF-8 name/value pair, used for user properties.
type StringPair struct {
	Key   string
	Value string
}

func encodeStringPair(w io.Writer, pair StringPair) (int, error) {
	n, err := encodeString(w, pair.Key)
	if err != nil {
		return n, err
	}
	n2, err := encodeString(w, pair.Value)
	return n + n2, err
}

func decodeStringPair(r io.Reader) (StringPair, int, error) {
	key, n, err := decodeString(r)
	if err != nil {
		return StringPair{}, n, err
	}
	value, n2, err := decodeString(r)
	n += n2
	if err != nil {
		return StringPair{}, n, err
	}
	return StringPair{Key: key, Value: value}, n, nil
}

// appendVarint appends the variable byte integer encoding of value to dst.
func appendVarint(dst []byte, value uint32) ([]byte, error) {
	if value > maxVarint {
		return dst, ErrVarintTooLarge
	}

	for {
		b := byte(value & varintMask)
		value >>= 7
		if value > 0 {
			b |= varintContinue
		}
		dst = append(dst, b)
		if value == 0 {
			return dst, nil
		}
	}
}

func encodeVarint(w io.Writer, value uint32) (int, error) {
	var scratch [maxVarintLen]byte
	buf, err := appendVarint(scratch[:0], value)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	for i := 0; i < maxVarintLen; i++ {
		b, n, err := readByte(r)
		if err != nil {
			return 0, i + n, err
		}
		value |= uint32(b&varintMask) << (7 * i)
		if b&varintContinue == 0 {
			return value, i + 1, nil
		}
	}
	return 0, maxVarintLen, ErrVarintMalformed
}

// parseVarint decodes a variable byte integer from the start of buf.
// ok is false when buf ends before the integer is complete.
func parseVarint(buf []byte) (value uint32, size int, ok bool, err error) {
	for i := 0; i < maxVarintLen; i++ {
		if i >= len(buf) {
			return 0, 0, false, nil
		}
		b := buf[i]
		value |= uint32(b&varintMask) << (7 * i)
		if b&varintContinue == 0 {
			return value, i + 1, true, nil
		}
	}
	return 0, 0, false, ErrVarintMalformed
}

func varintSize(value uint32) int {
	switch {
	case value < 1<<7:
		return 1
	case value < 1<<14:
		return 2
	case value < 1<<21:
		return 3
	default:
		return 4
	}
}
