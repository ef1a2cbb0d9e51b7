// Package manifest defines the recipe to reconstruct one file: the codec
// parameters, the ordered shard-key list and the authentication material.
// A manifest is content-addressed by the hash of its canonical encoding
// (the file key) and is never mutated; new versions are new manifests.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ioustamora/datamesh/pkg/codec"
	"github.com/ioustamora/datamesh/pkg/key"
)

const (
	manifestMagic = "DMMF"

	nonceSize = 12
	tagSize   = 16

	// maxShardKeys bounds decoding of untrusted manifests fetched from
	// the network.
	maxShardKeys = 64
)

var (
	// ErrMalformed is returned when a manifest cannot be decoded.
	ErrMalformed = errors.New("malformed manifest")

	// ErrInvalid is returned when a decoded manifest violates its
	// invariants.
	ErrInvalid = errors.New("invalid manifest")
)

// Manifest describes one stored file.
type Manifest struct {
	// Owner is the ed25519 public key of the identity that ingested the
	// file.
	Owner ed25519.PublicKey

	// Version selects the codec parameters the file was written with.
	Version uint8

	// DataShards and ParityShards repeat the codec parameters so a
	// manifest is self-describing even if version support is dropped.
	DataShards   uint8
	ParityShards uint8

	// ShardKeys lists the content address of every shard in ordinal
	// order. Position is significant: the decoder is told which ordinal
	// each supplied shard occupies.
	ShardKeys []key.Key

	// FileSize is the original plaintext size in bytes.
	FileSize uint64

	// EncryptedSize is the exact ciphertext length, needed to strip the
	// zero padding the erasure encoder appends.
	EncryptedSize uint64

	// Nonce and Tag authenticate the ciphertext.
	Nonce [nonceSize]byte
	Tag   [tagSize]byte

	// CreatedAt is the ingest time.
	CreatedAt time.Time
}

// TotalShards returns the expected shard count.
func (m *Manifest) TotalShards() int { return int(m.DataShards) + int(m.ParityShards) }

// Validate checks the manifest invariants: the shard-key list has exactly
// data+parity entries with no duplicates, and the parameters match a known
// codec version.
func (m *Manifest) Validate() error {
	if len(m.Owner) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: owner key has %d bytes", ErrInvalid, len(m.Owner))
	}

	params, err := codec.ParamsForVersion(m.Version)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if int(m.DataShards) != params.DataShards || int(m.ParityShards) != params.ParityShards {
		return fmt.Errorf("%w: shard counts %d+%d do not match version %d",
			ErrInvalid, m.DataShards, m.ParityShards, m.Version)
	}

	if len(m.ShardKeys) != m.TotalShards() {
		return fmt.Errorf("%w: %d shard keys, want %d", ErrInvalid, len(m.ShardKeys), m.TotalShards())
	}

	seen := make(map[key.Key]struct{}, len(m.ShardKeys))

	for i, k := range m.ShardKeys {
		if k.IsZero() {
			return fmt.Errorf("%w: shard key %d is zero", ErrInvalid, i)
		}

		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate shard key at ordinal %d", ErrInvalid, i)
		}

		seen[k] = struct{}{}
	}

	return nil
}

// Marshal produces the canonical encoding. Field order and widths are fixed
// so that the same manifest always hashes to the same file key.
func (m *Manifest) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	buf.WriteString(manifestMagic)
	buf.WriteByte(m.Version)
	buf.WriteByte(m.DataShards)
	buf.WriteByte(m.ParityShards)
	buf.Write(m.Owner)

	for _, k := range m.ShardKeys {
		buf.Write(k[:])
	}

	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], m.FileSize)
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], m.EncryptedSize)
	buf.Write(u64[:])

	buf.Write(m.Nonce[:])
	buf.Write(m.Tag[:])

	binary.BigEndian.PutUint64(u64[:], uint64(m.CreatedAt.Unix()))
	buf.Write(u64[:])

	return buf.Bytes(), nil
}

// Unmarshal decodes and validates a canonical encoding.
func Unmarshal(b []byte) (*Manifest, error) {
	rd := bytes.NewReader(b)

	magic := make([]byte, len(manifestMagic))
	if _, err := io.ReadFull(rd, magic); err != nil || string(magic) != manifestMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	var hdr [3]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	m := &Manifest{
		Version:      hdr[0],
		DataShards:   hdr[1],
		ParityShards: hdr[2],
	}

	total := m.TotalShards()
	if total == 0 || total > maxShardKeys {
		return nil, fmt.Errorf("%w: shard count %d out of range", ErrMalformed, total)
	}

	m.Owner = make(ed25519.PublicKey, ed25519.PublicKeySize)
	if _, err := io.ReadFull(rd, m.Owner); err != nil {
		return nil, fmt.Errorf("%w: truncated owner key", ErrMalformed)
	}

	m.ShardKeys = make([]key.Key, total)
	for i := range m.ShardKeys {
		if _, err := io.ReadFull(rd, m.ShardKeys[i][:]); err != nil {
			return nil, fmt.Errorf("%w: truncated shard key %d", ErrMalformed, i)
		}
	}

	var u64 [8]byte

	if _, err := io.ReadFull(rd, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated file size", ErrMalformed)
	}

	m.FileSize = binary.BigEndian.Uint64(u64[:])

	if _, err := io.ReadFull(rd, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated encrypted size", ErrMalformed)
	}

	m.EncryptedSize = binary.BigEndian.Uint64(u64[:])

	if _, err := io.ReadFull(rd, m.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated nonce", ErrMalformed)
	}

	if _, err := io.ReadFull(rd, m.Tag[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated tag", ErrMalformed)
	}

	if _, err := io.ReadFull(rd, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated timestamp", ErrMalformed)
	}

	if rd.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rd.Len())
	}

	//nolint:gosec // G115: stored timestamps fit in int64 until year 292277026596
	m.CreatedAt = time.Unix(int64(binary.BigEndian.Uint64(u64[:])), 0).UTC()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// FileKey returns the content address of the manifest: the hash of its
// canonical encoding.
func (m *Manifest) FileKey() (key.Key, error) {
	b, err := m.Marshal()
	if err != nil {
		return key.Key{}, err
	}

	return key.Sum(b), nil
}
