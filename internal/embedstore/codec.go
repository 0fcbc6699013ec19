package embedstore

import (
	"encoding/binary"
	"math"
)

// encodeEmbedding serializes a []float32 to a little-endian byte blob, the
// "internal contract of C1/C3 only" format named in §6.4.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding. A malformed trailing
// partial float is dropped rather than panicking on a short read.
func decodeEmbedding(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
