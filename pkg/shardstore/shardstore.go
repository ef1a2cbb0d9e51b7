// Package shardstore is the durable local store of shard bytes keyed by
// their content hash. A bounded memory LRU fronts an on-disk layer; shard
// metadata (TTL, access counters, eviction protection) lives in the index
// database so the background sweeper can reason about it transactionally.
package shardstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ioustamora/datamesh/pkg/database"
	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/key"
)

const (
	otelPackageName = "github.com/ioustamora/datamesh/pkg/shardstore"

	// defaultMemoryEntries bounds the in-memory LRU.
	defaultMemoryEntries = 1024

	// lockStripes is the size of the per-key mutex table. The shard key
	// itself is the mutex: writers to the same key serialize, readers
	// never block writers to other keys.
	lockStripes = 256
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrNotFound is returned if the shard is not in the store.
	ErrNotFound = errors.New("shard not found")

	// ErrCorruptedOnDisk is returned when the recomputed hash of on-disk
	// bytes does not match the shard key. The shard is evicted.
	ErrCorruptedOnDisk = errors.New("shard corrupted on disk")

	// ErrKeyMismatch is returned when put is called with a key that is
	// not the hash of the bytes. Storing under a wrong key would make
	// the shard unverifiable, so the put is refused outright.
	ErrKeyMismatch = errors.New("shard key does not match the bytes")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is the LRU-fronted shard store.
type Store struct {
	disk  *diskStore
	mem   *lru.Cache[key.Key, []byte]
	db    *database.DB
	hooks hooks.Hooks

	highWater uint64
	lowWater  uint64

	locks [lockStripes]sync.Mutex
}

// Option configures a Store.
type Option func(*config)

type config struct {
	memoryEntries int
	highWater     uint64
	lowWater      uint64
}

// WithMemoryEntries overrides the memory LRU capacity.
func WithMemoryEntries(n int) Option {
	return func(c *config) { c.memoryEntries = n }
}

// WithWaterMarks sets the disk utilization band for the cold sweeper. Zero
// high water disables utilization sweeping.
func WithWaterMarks(high, low uint64) Option {
	return func(c *config) {
		c.highWater = high
		c.lowWater = low
	}
}

// New returns a store rooted at path. The path must be absolute; the
// layout underneath is created as needed.
func New(ctx context.Context, path string, db *database.DB, h hooks.Hooks, opts ...Option) (*Store, error) {
	if !filepath.IsAbs(path) {
		zerolog.Ctx(ctx).Error().Str("path", path).Msg("path is not absolute")

		return nil, ErrPathMustBeAbsolute
	}

	cfg := config{memoryEntries: defaultMemoryEntries}
	for _, opt := range opts {
		opt(&cfg)
	}

	disk, err := newDiskStore(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up the disk layer: %w", err)
	}

	mem, err := lru.New[key.Key, []byte](cfg.memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("error constructing the memory cache: %w", err)
	}

	return &Store{
		disk:      disk,
		mem:       mem,
		db:        db,
		hooks:     h,
		highWater: cfg.highWater,
		lowWater:  cfg.lowWater,
	}, nil
}

// Put stores the shard bytes under their content hash. Put is idempotent:
// storing the same bytes twice leaves the store unchanged. The write is
// durable on disk before the shard is admitted to memory.
func (s *Store) Put(ctx context.Context, k key.Key, b []byte, ttl time.Duration) error {
	ctx, span := tracer.Start(
		ctx,
		"shardstore.Put",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("shard_key", k.String()),
			attribute.Int("size", len(b)),
		),
	)
	defer span.End()

	if got := key.Sum(b); got != k {
		return fmt.Errorf("%w: bytes hash to %s", ErrKeyMismatch, got)
	}

	lock := s.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	if err := s.disk.put(k, b); err != nil {
		return err
	}

	var expiresAt *time.Time

	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expiresAt = &t
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.db.InsertShardRecord(tx, k.Hex(), uint64(len(b)), expiresAt)
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("error recording the shard metadata: %w", err)
	}

	s.mem.Add(k, b)

	return nil
}

// Get returns the shard bytes. A memory miss consults the disk layer,
// verifies the hash, and promotes the result to memory. Corrupt on-disk
// bytes evict the shard and surface ErrCorruptedOnDisk.
func (s *Store) Get(ctx context.Context, k key.Key) ([]byte, error) {
	ctx, span := tracer.Start(
		ctx,
		"shardstore.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("shard_key", k.String())),
	)
	defer span.End()

	if b, ok := s.mem.Get(k); ok {
		s.touch(ctx, k)

		return b, nil
	}

	b, err := s.disk.get(k)
	if err != nil {
		return nil, err
	}

	if key.Sum(b) != k {
		zerolog.Ctx(ctx).Error().
			Str("shard_key", k.String()).
			Msg("shard bytes failed hash verification, evicting")

		s.hooks.Record(ctx, hooks.EventCorruptionFound, map[string]any{
			"shard_key": k.Hex(),
			"where":     "disk",
		})

		if err := s.Delete(ctx, k); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error evicting the corrupt shard")
		}

		return nil, ErrCorruptedOnDisk
	}

	s.mem.Add(k, b)
	s.touch(ctx, k)

	return b, nil
}

// Has reports whether the shard is present without reading its bytes.
func (s *Store) Has(ctx context.Context, k key.Key) bool {
	if s.mem.Contains(k) {
		return true
	}

	return s.disk.has(k)
}

// Delete removes the shard from memory, disk and the metadata table.
// Deleting an absent shard is not an error.
func (s *Store) Delete(ctx context.Context, k key.Key) error {
	lock := s.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	s.mem.Remove(k)

	if err := s.disk.delete(k); err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.db.DeleteShardRecord(tx, k.Hex())
	})
}

// Protect sets or clears the eviction-protection flag for a shard backing
// a locally-owned manifest.
func (s *Store) Protect(ctx context.Context, k key.Key, protected bool) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.db.SetShardProtected(tx, k.Hex(), protected)
	})
}

// IterExpired returns the keys of unprotected shards whose TTL elapsed.
func (s *Store) IterExpired(ctx context.Context, now time.Time) ([]key.Key, error) {
	var keys []key.Key

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		sms, err := s.db.SelectExpiredShards(tx, now)
		if err != nil {
			return err
		}

		keys = make([]key.Key, 0, len(sms))

		for _, sm := range sms {
			k, err := key.FromHex(sm.ShardKey)
			if err != nil {
				return fmt.Errorf("error decoding a stored shard key: %w", err)
			}

			keys = append(keys, k)
		}

		return nil
	})

	return keys, err
}

// TotalSize returns the combined size of all stored shards.
func (s *Store) TotalSize(ctx context.Context) (uint64, error) {
	var size uint64

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		size, err = s.db.ShardTotalSize(tx)

		return err
	})

	return size, err
}

// Root returns the absolute directory the store was rooted at.
func (s *Store) Root() string { return s.disk.path }

// Walk calls fn for every shard present on disk.
func (s *Store) Walk(_ context.Context, fn func(key.Key) error) error {
	return s.disk.walk(fn)
}

// Sweep runs one pass of the background maintenance: expired shards are
// reaped, then cold shards are evicted if disk utilization crossed the
// high-water mark, stopping at the low-water mark.
func (s *Store) Sweep(ctx context.Context, now time.Time) error {
	ctx, span := tracer.Start(
		ctx,
		"shardstore.Sweep",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	log := zerolog.Ctx(ctx)

	expired, err := s.IterExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("error listing expired shards: %w", err)
	}

	for _, k := range expired {
		if err := s.Delete(ctx, k); err != nil {
			log.Error().Err(err).Str("shard_key", k.String()).Msg("error reaping an expired shard")
		}
	}

	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("reaped expired shards")
	}

	if s.highWater == 0 {
		return nil
	}

	total, err := s.TotalSize(ctx)
	if err != nil {
		return err
	}

	if total <= s.highWater {
		return nil
	}

	var cold []database.ShardModel

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		cold, err = s.db.SelectColdShards(tx, total-s.lowWater)

		return err
	})
	if err != nil {
		return fmt.Errorf("error selecting cold shards: %w", err)
	}

	for _, sm := range cold {
		k, err := key.FromHex(sm.ShardKey)
		if err != nil {
			continue
		}

		if err := s.Delete(ctx, k); err != nil {
			log.Error().Err(err).Str("shard_key", k.String()).Msg("error evicting a cold shard")
		}
	}

	log.Info().
		Uint64("total", total).
		Uint64("high_water", s.highWater).
		Int("evicted", len(cold)).
		Msg("cold sweep finished")

	return nil
}

func (s *Store) keyLock(k key.Key) *sync.Mutex {
	return &s.locks[k[0]]
}

func (s *Store) touch(ctx context.Context, k key.Key) {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.db.TouchShardRecord(tx, k.Hex())
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("shard_key", k.String()).Msg("error touching the shard record")
	}
}
