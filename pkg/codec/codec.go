// Package codec converts plaintext to erasure-coded shards and back: zstd
// compression, ChaCha20-Poly1305 authenticated encryption, then Reed-Solomon
// coding of the ciphertext.
//
// Parameters are fixed per deployment. A codec honors exactly one (data,
// parity) pair for writes plus a read-only legacy mode for older manifests.
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/chacha20poly1305"
)

// Codec versions. The version is recorded in each manifest and selects the
// erasure parameters and compression for reads.
const (
	// VersionLegacy is the original 4+2 deployment without compression.
	// Manifests with this version remain readable; new manifests are
	// never written with it.
	VersionLegacy = 1

	// VersionCurrent is the 8+4 deployment with zstd compression.
	VersionCurrent = 2
)

var (
	// ErrAuthFailed is returned when authenticated decryption fails.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInsufficientShards is returned when fewer than the data-shard
	// count of valid shards are supplied to Decode.
	ErrInsufficientShards = errors.New("insufficient shards")

	// ErrUnknownVersion is returned for a codec version this build does
	// not understand.
	ErrUnknownVersion = errors.New("unknown codec version")

	// ErrBadShardSet is returned when the supplied shard set is malformed
	// (wrong count, inconsistent lengths).
	ErrBadShardSet = errors.New("bad shard set")
)

// Params describes one deployment's erasure and compression parameters.
type Params struct {
	DataShards   int
	ParityShards int
	Compression  bool
}

// TotalShards returns DataShards + ParityShards.
func (p Params) TotalShards() int { return p.DataShards + p.ParityShards }

// ParamsForVersion returns the parameters a manifest version was written
// with.
func ParamsForVersion(version uint8) (Params, error) {
	switch version {
	case VersionLegacy:
		return Params{DataShards: 4, ParityShards: 2}, nil
	case VersionCurrent:
		return Params{DataShards: 8, ParityShards: 4, Compression: true}, nil
	default:
		return Params{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}

// Codec encodes and decodes one version's shard format.
type Codec struct {
	version uint8
	params  Params
	rs      reedsolomon.Encoder
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

// New returns a codec for the current version.
func New() (*Codec, error) {
	return NewForVersion(VersionCurrent)
}

// NewForVersion returns a codec for the given manifest version. Versions
// other than the current one support decoding only.
func NewForVersion(version uint8) (*Codec, error) {
	params, err := ParamsForVersion(version)
	if err != nil {
		return nil, err
	}

	rs, err := reedsolomon.New(params.DataShards, params.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("error constructing the reed-solomon encoder: %w", err)
	}

	c := &Codec{version: version, params: params, rs: rs}

	if params.Compression {
		if c.zenc, err = zstd.NewWriter(nil); err != nil {
			return nil, fmt.Errorf("error constructing the zstd encoder: %w", err)
		}

		if c.zdec, err = zstd.NewReader(nil); err != nil {
			return nil, fmt.Errorf("error constructing the zstd decoder: %w", err)
		}
	}

	return c, nil
}

// Version returns the codec version this codec reads and writes.
func (c *Codec) Version() uint8 { return c.version }

// Params returns the deployment parameters.
func (c *Codec) Params() Params { return c.params }

// NewNonce returns a fresh random nonce for one file. The nonce doubles as
// the derivation input for the per-file key, so it is generated before
// encryption.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("error generating the nonce: %w", err)
	}

	return nonce, nil
}

// Encrypt compresses and seals the plaintext under the given 32-byte key
// and nonce. It returns the ciphertext and the authentication tag, kept
// separate so the manifest can carry nonce and tag while only the
// ciphertext is erasure-coded.
func (c *Codec) Encrypt(fileKey, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	aead, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error constructing the cipher: %w", err)
	}

	compressed := plaintext
	if c.params.Compression {
		compressed = c.zenc.EncodeAll(plaintext, nil)
	}

	sealed := aead.Seal(nil, nonce, compressed, nil)

	split := len(sealed) - aead.Overhead()

	return sealed[:split:split], sealed[split:], nil
}

// Decrypt opens ciphertext||tag under the key and nonce and decompresses
// the result. Any bit flip in ciphertext, nonce or tag yields ErrAuthFailed.
func (c *Codec) Decrypt(fileKey, ciphertext, nonce, tag []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, fmt.Errorf("error constructing the cipher: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	compressed, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if !c.params.Compression {
		return compressed, nil
	}

	plaintext, err := c.zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("error decompressing the plaintext: %w", err)
	}

	return plaintext, nil
}

// Encode erasure-codes the ciphertext into TotalShards shards of equal
// length, zero-padding the last data shard. Shard ordinal positions are
// significant and must be preserved by the caller.
func (c *Codec) Encode(ciphertext []byte) ([][]byte, error) {
	// reedsolomon.Split rejects empty input. Empty plaintext can yield an
	// empty ciphertext (the tag is returned separately), so a single zero
	// byte is encoded instead; Decode trims it via ciphertextLen.
	if len(ciphertext) == 0 {
		ciphertext = []byte{0}
	}

	shards, err := c.rs.Split(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("error splitting the ciphertext: %w", err)
	}

	if err := c.rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("error computing the parity shards: %w", err)
	}

	return shards, nil
}

// Decode reconstructs the ciphertext from any subset of at least DataShards
// shards. The shards slice must have TotalShards entries ordered by ordinal
// position, with nil marking a missing shard. ciphertextLen strips the
// zero padding introduced by Encode.
func (c *Codec) Decode(shards [][]byte, ciphertextLen int) ([]byte, error) {
	total := c.params.TotalShards()
	if len(shards) != total {
		return nil, fmt.Errorf("%w: got %d shard slots, want %d", ErrBadShardSet, len(shards), total)
	}

	present := 0

	for _, s := range shards {
		if s != nil {
			present++
		}
	}

	if present < c.params.DataShards {
		return nil, fmt.Errorf("%w: have %d of %d required", ErrInsufficientShards, present, c.params.DataShards)
	}

	// Reconstruct mutates its argument; work on a copy so the caller's
	// view of which ordinals it actually fetched stays intact.
	work := make([][]byte, total)
	copy(work, shards)

	if err := c.rs.ReconstructData(work); err != nil {
		return nil, fmt.Errorf("error reconstructing the data shards: %w", err)
	}

	ciphertext := make([]byte, 0, ciphertextLen)
	for i := 0; i < c.params.DataShards && len(ciphertext) < ciphertextLen; i++ {
		ciphertext = append(ciphertext, work[i]...)
	}

	if len(ciphertext) < ciphertextLen {
		return nil, fmt.Errorf("%w: reconstructed %d bytes, want %d", ErrBadShardSet, len(ciphertext), ciphertextLen)
	}

	return ciphertext[:ciphertextLen], nil
}
