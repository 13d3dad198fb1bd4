package btree

import "encoding/binary"

// Codec encodes fixed-size keys or values into node blocks.
type Codec[T any] interface {
	// Size is the encoded width in bytes. It must not change.
	Size() int
	// Put encodes v into b, which is exactly Size() bytes.
	Put(b []byte, v T)
	// Get decodes a value from b, which is exactly Size() bytes.
	Get(b []byte) T
}

var le = binary.LittleEndian

// Uint64Codec encodes uint64 little-endian.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }
func (Uint64Codec) Put(b []byte, v uint64) { le.PutUint64(b, v) }
func (Uint64Codec) Get(b []byte) uint64 { return le.Uint64(b) }

// Uint32Codec encodes uint32 little-endian.
type Uint32Codec struct{}

func (Uint32Codec) Size() int { return 4 }
func (Uint32Codec) Put(b []byte, v uint32) { le.PutUint32(b, v) }
func (Uint32Codec) Get(b []byte) uint32 { return le.Uint32(b) }

// Uint8Codec encodes a single byte. Useful as a set's value type.
type Uint8Codec struct{}

func (Uint8Codec) Size() int { return 1 }
func (Uint8Codec) Put(b []byte, v uint8) { b[0] = v }
func (Uint8Codec) Get(b []byte) uint8 { return b[0] }

// Int64Codec encodes int64 as its two's complement bit pattern.
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }
func (Int64Codec) Put(b []byte, v int64) { le.PutUint64(b, uint64(v)) }
func (Int64Codec) Get(b []byte) int64 { return int64(le.Uint64(b)) }

// BytesCodec stores byte slices in a fixed-width field. Longer slices are
// truncated and shorter ones zero-padded, so Get always returns n bytes.
type BytesCodec int

func (c BytesCodec) Size() int { return int(c) }

func (c BytesCodec) Put(b []byte, v []byte) {
	n := copy(b, v)
	clear(b[n:])
}

func (c BytesCodec) Get(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
