// Package keystore owns long-term identity keypairs and per-file encryption
// keys. Secret keys live on disk encrypted under a password-derived key and
// are held decrypted in memory only while an identity is open.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ioustamora/datamesh/pkg/hooks"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	// identityLabel domain-separates the integrity digest from other
	// blake3 uses of the secret key bytes.
	identityLabel = "datamesh/identity/v1"

	// fileKeyLabel domain-separates per-file subkey derivation.
	fileKeyLabel = "datamesh/filekey/v1"

	// Argon2id parameters, fixed per deployment. Calibrated to take at
	// least 100ms on the reference machine.
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	// DefaultMinPasswordEntropy is the default entropy floor, in bits,
	// for new identity passwords.
	DefaultMinPasswordEntropy = 60
)

var (
	// ErrWeakPassword is returned if the password does not meet the
	// minimum entropy requirements.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrNotFound is returned if no identity with this name exists.
	ErrNotFound = errors.New("identity not found")

	// ErrBadPassword is returned if the password does not open the record.
	ErrBadPassword = errors.New("bad password")

	// ErrCorrupted is returned if the record decrypts but its integrity
	// digest does not match the recovered secret key.
	ErrCorrupted = errors.New("identity record is corrupted")

	// ErrIdentityBusy is returned if an identity is already open and was
	// not closed before opening another one.
	ErrIdentityBusy = errors.New("an identity is already open")

	// ErrIdentityClosed is returned when using a handle after Close.
	ErrIdentityClosed = errors.New("identity is closed")

	// ErrAlreadyExists is returned if an identity with this name exists.
	ErrAlreadyExists = errors.New("identity already exists")

	// ErrTooManyAttempts is returned when open attempts for one identity
	// exceed the rate limit. Resists password probing.
	ErrTooManyAttempts = errors.New("too many failed attempts, retry later")
)

// Open-attempt rate limit: after maxFailedAttempts failures within
// failureWindow, further opens of that identity are refused until the
// window rolls over.
const (
	maxFailedAttempts = 5
	failureWindow     = time.Minute
)

// Store persists identity records under a directory, one file per identity.
// Only one identity may be open per process at a time.
type Store struct {
	path       string
	hooks      hooks.Hooks
	minEntropy float64

	mu       sync.Mutex
	open     *Identity
	failures map[string]*failureState
}

type failureState struct {
	count       int
	windowStart time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMinPasswordEntropy overrides the entropy floor for new passwords.
// Zero disables the check.
func WithMinPasswordEntropy(bits float64) Option {
	return func(s *Store) { s.minEntropy = bits }
}

// Identity is an open identity handle. The secret key is zeroized on Close.
type Identity struct {
	Name   string
	Public ed25519.PublicKey

	store  *Store
	mu     sync.Mutex
	secret ed25519.PrivateKey
}

// New returns a store rooted at path, creating the directory if needed.
func New(path string, h hooks.Hooks, opts ...Option) (*Store, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("keystore path %q must be absolute", path)
	}

	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, fmt.Errorf("error creating the keystore directory: %w", err)
	}

	s := &Store{
		path:       path,
		hooks:      h,
		minEntropy: DefaultMinPasswordEntropy,
		failures:   make(map[string]*failureState),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// CreateIdentity generates a new ed25519 keypair, encrypts it under the
// password and persists it. The identity is returned open.
func (s *Store) CreateIdentity(ctx context.Context, name, password string) (*Identity, error) {
	if bits := passwordEntropyBits(password); bits < s.minEntropy {
		return nil, fmt.Errorf("%w: estimated %.0f bits of entropy, need %.0f", ErrWeakPassword, bits, s.minEntropy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open != nil {
		return nil, ErrIdentityBusy
	}

	if _, err := os.Stat(s.identityPath(name)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating the identity keypair: %w", err)
	}

	if err := s.writeRecord(name, password, sec); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("identity", name).
		Str("public_key", fmt.Sprintf("%x", pub[:8])).
		Msg("identity created")

	id := &Identity{Name: name, Public: pub, secret: sec, store: s}
	s.open = id

	return id, nil
}

// OpenIdentity decrypts the named identity record with the password.
func (s *Store) OpenIdentity(ctx context.Context, name, password string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open != nil {
		return nil, ErrIdentityBusy
	}

	if err := s.checkRateLimit(name); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(s.identityPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		return nil, fmt.Errorf("error reading the identity record: %w", err)
	}

	rec, err := decodeRecord(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	aead, err := chacha20poly1305.New(deriveKEK(password, rec.salt))
	if err != nil {
		return nil, fmt.Errorf("error constructing the cipher: %w", err)
	}

	secret, err := aead.Open(nil, rec.nonce[:], rec.ciphertext, []byte(identityLabel))
	if err != nil {
		s.recordFailure(name)
		s.hooks.Record(ctx, hooks.EventAuthFailed, map[string]any{
			"identity": name,
			"op":       "open_identity",
		})

		return nil, ErrBadPassword
	}

	delete(s.failures, name)

	// The AEAD tag already authenticates the ciphertext; the digest
	// additionally binds the recovered plaintext. A mismatch after a
	// successful open means the record was rebuilt around foreign
	// ciphertext, which is corruption, not a bad password.
	digest := secretDigest(secret)
	if subtle.ConstantTimeCompare(digest[:], rec.digest[:]) != 1 {
		s.hooks.Record(ctx, hooks.EventCorruptionFound, map[string]any{
			"identity": name,
			"op":       "open_identity",
		})

		return nil, ErrCorrupted
	}

	if len(secret) != ed25519.PrivateKeySize {
		return nil, ErrCorrupted
	}

	sec := ed25519.PrivateKey(secret)
	id := &Identity{
		Name:   name,
		Public: sec.Public().(ed25519.PublicKey),
		secret: sec,
		store:  s,
	}
	s.open = id

	return id, nil
}

// DeleteIdentity overwrites the record with random bytes, syncs, then
// unlinks it. Deleting a non-existent identity is not an error.
func (s *Store) DeleteIdentity(ctx context.Context, name string) error {
	path := s.identityPath(name)

	f, err := os.OpenFile(path, os.O_WRONLY, fileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("error opening the identity record for shredding: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return fmt.Errorf("error stat'ing the identity record: %w", err)
	}

	junk := make([]byte, info.Size())
	if _, err := rand.Read(junk); err != nil {
		f.Close()

		return fmt.Errorf("error generating overwrite bytes: %w", err)
	}

	if _, err := f.WriteAt(junk, 0); err != nil {
		f.Close()

		return fmt.Errorf("error overwriting the identity record: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("error syncing the identity record: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing the identity record: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error unlinking the identity record: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("identity", name).Msg("identity deleted")

	return nil
}

// DeriveFileKey derives the symmetric key for one file from the identity
// secret and the file nonce. The derivation is deterministic: the same
// nonce always yields the same key.
func (id *Identity) DeriveFileKey(fileNonce []byte) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.secret == nil {
		return nil, ErrIdentityClosed
	}

	r := hkdf.New(sha256.New, id.secret.Seed(), fileNonce, []byte(fileKeyLabel))

	fk := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, fk); err != nil {
		return nil, fmt.Errorf("error deriving the file key: %w", err)
	}

	return fk, nil
}

// Sign signs the message with the identity secret key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.secret == nil {
		return nil, ErrIdentityClosed
	}

	return ed25519.Sign(id.secret, message), nil
}

// Close zeroizes the secret key and releases the process-wide open slot.
// Close is idempotent.
func (id *Identity) Close() {
	id.mu.Lock()
	for i := range id.secret {
		id.secret[i] = 0
	}
	id.secret = nil
	id.mu.Unlock()

	if id.store != nil {
		id.store.mu.Lock()
		if id.store.open == id {
			id.store.open = nil
		}
		id.store.mu.Unlock()
	}
}

// checkRateLimit and recordFailure expect s.mu to be held.
func (s *Store) checkRateLimit(name string) error {
	fs, ok := s.failures[name]
	if !ok {
		return nil
	}

	if time.Since(fs.windowStart) > failureWindow {
		delete(s.failures, name)

		return nil
	}

	if fs.count >= maxFailedAttempts {
		return ErrTooManyAttempts
	}

	return nil
}

func (s *Store) recordFailure(name string) {
	fs, ok := s.failures[name]
	if !ok || time.Since(fs.windowStart) > failureWindow {
		s.failures[name] = &failureState{count: 1, windowStart: time.Now()}

		return
	}

	fs.count++
}

func (s *Store) identityPath(name string) string {
	return filepath.Join(s.path, name+".identity")
}

func (s *Store) writeRecord(name, password string, secret ed25519.PrivateKey) error {
	rec := &record{kdf: kdfArgon2id, aead: aeadChaCha20Poly}

	if _, err := rand.Read(rec.salt[:]); err != nil {
		return fmt.Errorf("error generating the salt: %w", err)
	}

	if _, err := rand.Read(rec.nonce[:]); err != nil {
		return fmt.Errorf("error generating the nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveKEK(password, rec.salt))
	if err != nil {
		return fmt.Errorf("error constructing the cipher: %w", err)
	}

	rec.ciphertext = aead.Seal(nil, rec.nonce[:], secret, []byte(identityLabel))
	rec.digest = secretDigest(secret)

	path := s.identityPath(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}

		return fmt.Errorf("error creating the identity record: %w", err)
	}

	if _, err := f.Write(rec.encode()); err != nil {
		f.Close()
		os.Remove(path)

		return fmt.Errorf("error writing the identity record: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("error syncing the identity record: %w", err)
	}

	return f.Close()
}

func deriveKEK(password string, salt [saltSize]byte) []byte {
	return argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func secretDigest(secret []byte) [digestSize]byte {
	h := blake3.New()
	h.Write([]byte(identityLabel))
	h.Write(secret)

	var d [digestSize]byte
	copy(d[:], h.Sum(nil))

	return d
}

// passwordEntropyBits estimates password strength as length times the
// per-character entropy of the smallest alphabet covering the observed
// character classes.
func passwordEntropyBits(password string) float64 {
	var lower, upper, digit, other bool

	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}

	var alphabet float64

	if lower {
		alphabet += 26
	}

	if upper {
		alphabet += 26
	}

	if digit {
		alphabet += 10
	}

	if other {
		alphabet += 33
	}

	if alphabet == 0 {
		return 0
	}

	return float64(len([]rune(password))) * math.Log2(alphabet)
}
