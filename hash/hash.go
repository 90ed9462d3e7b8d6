// Package hash computes save-state checksums used for desync detection.
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

// Size of the full digest in bytes.
const Size = 32

// pool amortizes blake3 hasher allocations: a checksum is taken of every
// saved frame, at simulation tick rate.
var pool = &sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// Sum returns the blake3 digest of data.
func Sum(data []byte) [Size]byte {
	return blake3.Sum256(data)
}

// Checksum returns the first 64 bits of the blake3 digest of data.
// Checksums are exchanged between peers for equality comparison only,
// so the truncation does not weaken anything.
func Checksum(data []byte) uint64 {
	h := pool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		pool.Put(h)
	}()
	h.Write(data)
	var d [Size]byte
	h.Sum(d[:0])
	return binary.BigEndian.Uint64(d[:8])
}
