package keystore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/keystore"
)

const strongPassword = "correct horse battery staple"

func newContext() context.Context {
	return zerolog.New(os.Stderr).WithContext(context.Background())
}

// recordingHooks captures audit events for assertions.
type recordingHooks struct {
	mu     sync.Mutex
	events []hooks.EventKind
}

func (r *recordingHooks) RecordEvent(_ context.Context, kind hooks.EventKind, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, kind)
}

func (r *recordingHooks) kinds() []hooks.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]hooks.EventKind(nil), r.events...)
}

func newStore(t *testing.T, opts ...keystore.Option) (*keystore.Store, *recordingHooks) {
	t.Helper()

	rec := &recordingHooks{}

	s, err := keystore.New(t.TempDir(), hooks.Hooks{Recorder: rec}, opts...)
	require.NoError(t, err)

	return s, rec
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("path must be absolute", func(t *testing.T) {
		t.Parallel()

		_, err := keystore.New("somedir", hooks.Default())
		assert.Error(t, err)
	})
}

func TestCreateIdentity(t *testing.T) {
	t.Parallel()

	t.Run("weak password is rejected", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		_, err := s.CreateIdentity(newContext(), "alice", "p1")
		assert.ErrorIs(t, err, keystore.ErrWeakPassword)
	})

	t.Run("passphrase of lowercase words is accepted", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		t.Cleanup(id.Close)

		assert.Equal(t, "alice", id.Name)
		assert.Len(t, id.Public, 32)
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		_, err = s.CreateIdentity(newContext(), "alice", strongPassword)
		assert.ErrorIs(t, err, keystore.ErrAlreadyExists)
	})

	t.Run("record file is not world readable", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()

		s, err := keystore.New(dir, hooks.Default())
		require.NoError(t, err)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		info, err := os.Stat(filepath.Join(dir, "alice.identity"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})
}

func TestOpenIdentity(t *testing.T) {
	t.Parallel()

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		_, err := s.OpenIdentity(newContext(), "nobody", strongPassword)
		assert.ErrorIs(t, err, keystore.ErrNotFound)
	})

	t.Run("correct password recovers the same keypair", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		created, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)

		pub := created.Public
		created.Close()

		opened, err := s.OpenIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		t.Cleanup(opened.Close)

		assert.Equal(t, pub, opened.Public)
	})

	t.Run("wrong password returns BadPassword and records an event", func(t *testing.T) {
		t.Parallel()

		s, rec := newStore(t, keystore.WithMinPasswordEntropy(0))

		id, err := s.CreateIdentity(newContext(), "alice", "p1")
		require.NoError(t, err)
		id.Close()

		_, err = s.OpenIdentity(newContext(), "alice", "p2")
		assert.ErrorIs(t, err, keystore.ErrBadPassword)
		assert.Contains(t, rec.kinds(), hooks.EventAuthFailed)
	})

	t.Run("second open while one is open returns IdentityBusy", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id1, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id1.Close()

		id2, err := s.OpenIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		t.Cleanup(id2.Close)

		_, err = s.OpenIdentity(newContext(), "alice", strongPassword)
		assert.ErrorIs(t, err, keystore.ErrIdentityBusy)
	})

	t.Run("close releases the open slot", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		id, err = s.OpenIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		id, err = s.OpenIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()
	})
}

func TestRecordTampering(t *testing.T) {
	t.Parallel()

	// Flipping any single bit of the record must yield BadPassword or
	// Corrupted, never a silently wrong key.
	dir := t.TempDir()

	s, err := keystore.New(dir, hooks.Default())
	require.NoError(t, err)

	id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
	require.NoError(t, err)
	id.Close()

	path := filepath.Join(dir, "alice.identity")

	original, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := 0; i < len(original); i += 7 {
		tampered := append([]byte(nil), original...)
		tampered[i] ^= 0x01

		require.NoError(t, os.WriteFile(path, tampered, 0o600))

		// A fresh store per attempt keeps the probing rate limiter out
		// of the way; this test is about integrity, not rate limits.
		s, err := keystore.New(dir, hooks.Default())
		require.NoError(t, err)

		_, err = s.OpenIdentity(newContext(), "alice", strongPassword)
		require.Error(t, err, "bit flip at byte %d must not open", i)
		assert.True(t,
			errors.Is(err, keystore.ErrBadPassword) || errors.Is(err, keystore.ErrCorrupted),
			"unexpected error for byte %d: %v", i, err)
	}
}

func TestOpenRateLimit(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)

	id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
	require.NoError(t, err)
	id.Close()

	for i := 0; i < 5; i++ {
		_, err := s.OpenIdentity(newContext(), "alice", "wrong password!")
		require.ErrorIs(t, err, keystore.ErrBadPassword)
	}

	_, err = s.OpenIdentity(newContext(), "alice", "wrong password!")
	assert.ErrorIs(t, err, keystore.ErrTooManyAttempts)

	// Even the correct password is refused until the window rolls over.
	_, err = s.OpenIdentity(newContext(), "alice", strongPassword)
	assert.ErrorIs(t, err, keystore.ErrTooManyAttempts)
}

func TestDeleteIdentity(t *testing.T) {
	t.Parallel()

	t.Run("removes the record", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()

		s, err := keystore.New(dir, hooks.Default())
		require.NoError(t, err)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		require.NoError(t, s.DeleteIdentity(newContext(), "alice"))
		assert.NoFileExists(t, filepath.Join(dir, "alice.identity"))
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		require.NoError(t, s.DeleteIdentity(newContext(), "alice"))
		require.NoError(t, s.DeleteIdentity(newContext(), "alice"))
	})
}

func TestDeriveFileKey(t *testing.T) {
	t.Parallel()

	t.Run("is deterministic per nonce", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		t.Cleanup(id.Close)

		nonce := []byte("000000000001")

		k1, err := id.DeriveFileKey(nonce)
		require.NoError(t, err)

		k2, err := id.DeriveFileKey(nonce)
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
		assert.Len(t, k1, 32)
	})

	t.Run("different nonces yield different keys", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		t.Cleanup(id.Close)

		k1, err := id.DeriveFileKey([]byte("000000000001"))
		require.NoError(t, err)

		k2, err := id.DeriveFileKey([]byte("000000000002"))
		require.NoError(t, err)

		assert.NotEqual(t, k1, k2)
	})

	t.Run("fails after close", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t)

		id, err := s.CreateIdentity(newContext(), "alice", strongPassword)
		require.NoError(t, err)
		id.Close()

		_, err = id.DeriveFileKey([]byte("000000000001"))
		assert.ErrorIs(t, err, keystore.ErrIdentityClosed)
	})
}
