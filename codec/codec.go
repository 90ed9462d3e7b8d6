// Package codec serializes wire messages. Everything that crosses the
// network implements scale encoding; the helpers here exist so callers
// never touch the encoder directly.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/spacemeshos/go-scale"
)

// Encodable is anything that can be written to the wire.
type Encodable = scale.Encodable

// Decodable is anything that can be read from the wire.
type Decodable = scale.Decodable

// EncodeTo encodes value to a writer stream.
func EncodeTo(w io.Writer, value Encodable) (int, error) {
	return value.EncodeScale(scale.NewEncoder(w))
}

// DecodeFrom decodes a value using data from a reader stream.
func DecodeFrom(r io.Reader, value Decodable) (int, error) {
	return value.DecodeScale(scale.NewDecoder(r))
}

// Packets are encoded once per send and are small, so a pooled buffer
// per encode keeps the session tick allocation-free in the steady state.
var encoderPool = sync.Pool{
	New: func() any {
		b := new(bytes.Buffer)
		b.Grow(128)
		return b
	},
}

// Encode value to a byte buffer.
func Encode(value Encodable) ([]byte, error) {
	b := encoderPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		encoderPool.Put(b)
	}()
	if _, err := EncodeTo(b, value); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	buf := make([]byte, len(b.Bytes()))
	copy(buf, b.Bytes())
	return buf, nil
}

// Decode value from a byte buffer.
func Decode(buf []byte, value Decodable) error {
	if _, err := DecodeFrom(bytes.NewReader(buf), value); err != nil {
		return fmt.Errorf("decode from buffer: %w", err)
	}
	return nil
}

// MustEncode encodes value or panics. For use with messages constructed
// by the engine itself, where an encoding failure is a programming error.
func MustEncode(value Encodable) []byte {
	buf, err := Encode(value)
	if err != nil {
		panic(fmt.Sprintf("codec: %v", err))
	}
	return buf
}
