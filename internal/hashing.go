package internal

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// DeterministicID hashes the given parts into a stable 128 bit hex id.
// This hash is extremely fast and collision-resistant enough for posting and
// synthetic event ids, which only need uniqueness per logical fact.
// https://cyan4973.github.io/xxHash/
//
// Parts are length-prefixed before hashing so that ("ab","c") and ("a","bc")
// never collide.
func DeterministicID(parts ...string) string {
	h := xxh3.New()
	var lenBuf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(Uint128ToBytes(h.Sum128()))
}

// Uint128ToBytes converts a uint128 to a byte array
func Uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
