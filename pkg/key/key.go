// Package key defines the 32-byte content address used across the mesh.
//
// Shard keys, file keys and peer identifiers are all drawn from the same
// keyspace so that the DHT can route to any of them with one metric.
package key

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeebo/blake3"
)

// Size is the length of a key in bytes.
const Size = 32

// ErrInvalidKey is returned when decoding a key of the wrong length.
var ErrInvalidKey = errors.New("invalid key")

// Key addresses a shard, a manifest or a peer.
type Key [Size]byte

// Sum returns the key for the given bytes.
func Sum(b []byte) Key {
	return Key(blake3.Sum256(b))
}

// Random returns a uniformly random key.
func Random() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("error reading random bytes: %w", err)
	}

	return k, nil
}

// FromHex decodes a key from its hex representation.
func FromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	if len(b) != Size {
		return Key{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), Size)
	}

	var k Key
	copy(k[:], b)

	return k, nil
}

// FromBytes decodes a key from a raw 32-byte slice.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), Size)
	}

	var k Key
	copy(k[:], b)

	return k, nil
}

// Hex returns the lowercase hex representation of the key.
func (k Key) Hex() string { return hex.EncodeToString(k[:]) }

// String implements fmt.Stringer with a shortened form suitable for logs.
func (k Key) String() string { return k.Hex()[:12] }

// IsZero reports whether the key is all zeroes.
func (k Key) IsZero() bool { return k == Key{} }

// Distance returns the XOR distance between two keys.
func (k Key) Distance(other Key) Key {
	var d Key
	for i := range k {
		d[i] = k[i] ^ other[i]
	}

	return d
}

// BucketIndex returns the index of the highest set bit of the XOR distance
// between k and other, counting from the most significant bit. Equal keys
// return -1.
func (k Key) BucketIndex(other Key) int {
	for i := range k {
		if d := k[i] ^ other[i]; d != 0 {
			return i*8 + bits.LeadingZeros8(d)
		}
	}

	return -1
}

// Less reports whether k sorts before other in big-endian byte order. Used
// to compare XOR distances.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}
