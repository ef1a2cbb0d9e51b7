// Package node wires the storage layers into one process: keystore, codec,
// shard store, DHT, placement and the name index, plus the background jobs
// that keep them healthy. The node is the long-lived singleton with a
// well-defined init and teardown; everything underneath is reachable
// through capability interfaces so tests can swap in stand-ins.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ioustamora/datamesh/pkg/codec"
	"github.com/ioustamora/datamesh/pkg/database"
	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/index"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/keystore"
	"github.com/ioustamora/datamesh/pkg/manifest"
	"github.com/ioustamora/datamesh/pkg/placement"
	"github.com/ioustamora/datamesh/pkg/shardstore"
	"github.com/ioustamora/datamesh/pkg/telemetry"
)

const otelPackageName = "github.com/ioustamora/datamesh/pkg/node"

var (
	// ErrNoIdentity is returned when an operation needs an open identity.
	ErrNoIdentity = errors.New("no identity is open")

	// ErrDenied is returned when a collaborator hook rejected the
	// operation.
	ErrDenied = errors.New("operation denied")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config assembles one node.
type Config struct {
	// DataPath is the absolute root of all local state.
	DataPath string

	// ListenAddr is the wire listen address. Ignored when Transport is
	// injected.
	ListenAddr string

	// Transport overrides the production noise transport, used by tests.
	Transport dht.Transport

	// PeerID overrides the derived peer id; a zero key derives a stable
	// id from the data path. Tests joining an in-memory mesh set it to
	// the id the mesh knows them by.
	PeerID key.Key

	// Bootstrap is the operator-configured join list.
	Bootstrap []dht.BootstrapEntry

	// Hooks are the collaborator interfaces; zero value means allow-all
	// with log-only audit.
	Hooks hooks.Hooks

	// ShardTTL is the provider-record and replica lifetime for shards
	// this node ingests. Zero means the DHT default.
	ShardTTL time.Duration

	// OrphanGracePeriod protects young unreferenced shards from the
	// garbage sweeper, covering the window between shard upload and
	// manifest persist.
	OrphanGracePeriod time.Duration

	// HealthFetchThreshold is the provider-presence percentage below
	// which a survey escalates from the cheap proxy to a real fetch.
	HealthFetchThreshold int

	// StoreWaterMarks bound local disk use; zero disables cold sweeps.
	StoreHighWater uint64
	StoreLowWater  uint64

	// KeystoreOptions tune password policy.
	KeystoreOptions []keystore.Option

	// Metrics receives counters; nil disables.
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.OrphanGracePeriod <= 0 {
		c.OrphanGracePeriod = time.Hour
	}

	if c.HealthFetchThreshold <= 0 {
		c.HealthFetchThreshold = 50
	}

	return c
}

// Node is the assembled storage engine.
type Node struct {
	cfg Config

	db        *database.DB
	index     *index.Index
	keys      *keystore.Store
	store     *shardstore.Store
	transport dht.Transport
	dht       *dht.DHT
	placer    *placement.Placer
	retriever *placement.Retriever
	codec     *codec.Codec
	hooks     hooks.Hooks
	metrics   *telemetry.Metrics

	identity *keystore.Identity
}

// New builds the node and its singletons. The transport starts serving
// immediately; call Bootstrap to join the overlay.
func New(ctx context.Context, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()

	if !filepath.IsAbs(cfg.DataPath) {
		return nil, fmt.Errorf("data path %q must be absolute", cfg.DataPath)
	}

	db, err := database.Open(ctx, filepath.Join(cfg.DataPath, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("error opening the index database: %w", err)
	}

	store, err := shardstore.New(ctx, cfg.DataPath, db, cfg.Hooks,
		shardstore.WithWaterMarks(cfg.StoreHighWater, cfg.StoreLowWater))
	if err != nil {
		return nil, fmt.Errorf("error opening the shard store: %w", err)
	}

	keys, err := keystore.New(filepath.Join(cfg.DataPath, "keys"), cfg.Hooks, cfg.KeystoreOptions...)
	if err != nil {
		return nil, fmt.Errorf("error opening the keystore: %w", err)
	}

	// The peer id is derived from the data path so it is stable across
	// restarts of the same node.
	selfID := cfg.PeerID
	if selfID.IsZero() {
		selfID = key.Sum([]byte("datamesh/peer/" + cfg.DataPath))
	}

	transport := cfg.Transport
	if transport == nil {
		transport, err = dht.NewNoiseTransport(ctx, cfg.ListenAddr, selfID)
		if err != nil {
			return nil, fmt.Errorf("error starting the transport: %w", err)
		}
	}

	d := dht.New(dht.Config{
		Self:        dht.PeerInfo{ID: selfID, Addrs: []string{transport.Addr()}},
		ProviderTTL: cfg.ShardTTL,
	}, transport, store, cfg.Metrics)

	cdc, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("error constructing the codec: %w", err)
	}

	return &Node{
		cfg:       cfg,
		db:        db,
		index:     index.New(db),
		keys:      keys,
		store:     store,
		transport: transport,
		dht:       d,
		placer:    placement.NewPlacer(d, placement.WithProviderTTL(cfg.ShardTTL)),
		retriever: placement.NewRetriever(d),
		codec:     cdc,
		hooks:     cfg.Hooks,
		metrics:   cfg.Metrics,
	}, nil
}

// Close tears the node down: identity zeroized, transport stopped,
// database closed.
func (n *Node) Close() error {
	if n.identity != nil {
		n.identity.Close()
		n.identity = nil
	}

	if err := n.transport.Close(); err != nil {
		return err
	}

	return n.db.Close()
}

// DHT exposes the routing layer to the CLI surface.
func (n *Node) DHT() *dht.DHT { return n.dht }

// Index exposes the name index to the CLI surface.
func (n *Node) Index() *index.Index { return n.index }

// Keystore exposes identity management to the CLI surface.
func (n *Node) Keystore() *keystore.Store { return n.keys }

// Store exposes the local shard store.
func (n *Node) Store() *shardstore.Store { return n.store }

// Bootstrap joins the overlay through the configured candidates.
func (n *Node) Bootstrap(ctx context.Context) error {
	return n.dht.Bootstrap(ctx, n.cfg.Bootstrap)
}

// CreateIdentity creates and opens a new identity.
func (n *Node) CreateIdentity(ctx context.Context, name, password string) error {
	id, err := n.keys.CreateIdentity(ctx, name, password)
	if err != nil {
		return err
	}

	n.identity = id

	return nil
}

// OpenIdentity opens an existing identity for the session.
func (n *Node) OpenIdentity(ctx context.Context, name, password string) error {
	id, err := n.keys.OpenIdentity(ctx, name, password)
	if err != nil {
		return err
	}

	n.identity = id

	return nil
}

// CloseIdentity zeroizes the open identity.
func (n *Node) CloseIdentity() {
	if n.identity != nil {
		n.identity.Close()
		n.identity = nil
	}
}

// Identity returns the open identity.
func (n *Node) Identity() (*keystore.Identity, error) {
	if n.identity == nil {
		return nil, ErrNoIdentity
	}

	return n.identity, nil
}

// IngestOptions tune one ingest.
type IngestOptions struct {
	// Tags are attached to the name binding.
	Tags []string

	// Shared publishes the manifest into the DHT under its file key so
	// peers holding the file key and decryption key can recover the
	// file. Private files keep the manifest local.
	Shared bool

	// Progress receives pipeline snapshots.
	Progress placement.ProgressFunc
}

// Ingest runs the full pipeline: encrypt, erasure-code, place, persist the
// manifest, bind the name. The manifest is persisted only after every
// shard is acknowledged. It returns the bound name (possibly suffixed) and
// the file key.
func (n *Node) Ingest(ctx context.Context, name string, data []byte, opts IngestOptions) (string, key.Key, error) {
	ctx, span := tracer.Start(
		ctx,
		"node.Ingest",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("name", name),
			attribute.Int("size", len(data)),
		),
	)
	defer span.End()

	id, err := n.Identity()
	if err != nil {
		return "", key.Key{}, err
	}

	owner := key.Sum(id.Public).Hex()

	if d := n.hooks.Authorize(ctx, owner, hooks.OpIngest, name); !d.Allowed {
		return "", key.Key{}, fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}

	if d := n.hooks.Quota(ctx, owner, int64(len(data))); !d.Allowed {
		return "", key.Key{}, fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}

	fail := func(err error) (string, key.Key, error) {
		n.countIngest("failure")
		n.hooks.Record(ctx, hooks.EventIngestFailed, map[string]any{
			"name":  name,
			"error": err.Error(),
		})

		return "", key.Key{}, err
	}

	nonce, err := codec.NewNonce()
	if err != nil {
		return fail(err)
	}

	fileKey, err := id.DeriveFileKey(nonce)
	if err != nil {
		return fail(err)
	}

	ciphertext, tag, err := n.codec.Encrypt(fileKey, nonce, data)
	if err != nil {
		return fail(fmt.Errorf("error encrypting the file: %w", err))
	}

	shards, err := n.codec.Encode(ciphertext)
	if err != nil {
		return fail(fmt.Errorf("error erasure-coding the file: %w", err))
	}

	shardKeys, err := n.placer.Place(ctx, shards, opts.Progress)
	if err != nil {
		return fail(err)
	}

	params := n.codec.Params()

	m := &manifest.Manifest{
		Owner:         id.Public,
		Version:       n.codec.Version(),
		DataShards:    uint8(params.DataShards),
		ParityShards:  uint8(params.ParityShards),
		ShardKeys:     shardKeys,
		FileSize:      uint64(len(data)),
		EncryptedSize: uint64(len(ciphertext)),
		CreatedAt:     time.Now().UTC(),
	}
	copy(m.Nonce[:], nonce)
	copy(m.Tag[:], tag)

	boundName, fk, err := n.index.Bind(ctx, owner, name, m)
	if err != nil {
		// Shards are placed but the manifest could not be persisted;
		// withdraw the provider records so the orphan sweeper can
		// reclaim the replicas.
		n.placer.Rollback(shardKeys)

		return fail(fmt.Errorf("error binding the name: %w", err))
	}

	for _, tag := range opts.Tags {
		if err := n.index.Tag(ctx, fk, tag); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("tag", tag).Msg("error tagging the file")
		}
	}

	// Shards this node happens to hold locally back a local manifest
	// now; protect them from eviction.
	for _, sk := range shardKeys {
		if n.store.Has(ctx, sk) {
			if err := n.store.Protect(ctx, sk, true); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("error protecting a local shard")
			}
		}
	}

	if opts.Shared {
		encoded, err := m.Marshal()
		if err == nil {
			err = n.dht.PutValue(ctx, fk, encoded)
		}

		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("error publishing the shared manifest")
		}
	}

	n.countIngest("success")
	n.hooks.Record(ctx, hooks.EventIngestCompleted, map[string]any{
		"name":     boundName,
		"file_key": fk.Hex(),
		"size":     len(data),
	})

	zerolog.Ctx(ctx).Info().
		Str("name", boundName).
		Str("file_key", fk.String()).
		Int("size", len(data)).
		Msg("file ingested")

	return boundName, fk, nil
}

// Retrieve fetches a file by its bound name.
func (n *Node) Retrieve(ctx context.Context, name string, progress placement.ProgressFunc) ([]byte, error) {
	id, err := n.Identity()
	if err != nil {
		return nil, err
	}

	owner := key.Sum(id.Public).Hex()

	fk, err := n.index.Lookup(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	return n.RetrieveByKey(ctx, fk, progress)
}

// RetrieveByKey fetches a file by its file key: locate the manifest, fetch
// any data-shard-count subset, decode, decrypt.
func (n *Node) RetrieveByKey(ctx context.Context, fk key.Key, progress placement.ProgressFunc) ([]byte, error) {
	ctx, span := tracer.Start(
		ctx,
		"node.Retrieve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("file_key", fk.String())),
	)
	defer span.End()

	id, err := n.Identity()
	if err != nil {
		return nil, err
	}

	owner := key.Sum(id.Public).Hex()

	if d := n.hooks.Authorize(ctx, owner, hooks.OpRetrieve, fk.Hex()); !d.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}

	fail := func(err error) ([]byte, error) {
		n.countRetrieve("failure")
		n.hooks.Record(ctx, hooks.EventRetrieveFailed, map[string]any{
			"file_key": fk.Hex(),
			"error":    err.Error(),
		})

		return nil, err
	}

	m, err := n.loadManifest(ctx, fk)
	if err != nil {
		return fail(err)
	}

	cdc := n.codec
	if m.Version != n.codec.Version() {
		// Read-only legacy mode for older manifests.
		cdc, err = codec.NewForVersion(m.Version)
		if err != nil {
			return fail(err)
		}
	}

	shards, err := n.retriever.Fetch(ctx, m.ShardKeys, cdc.Params().DataShards, progress)
	if err != nil {
		return fail(err)
	}

	ciphertext, err := cdc.Decode(shards, int(m.EncryptedSize))
	if err != nil {
		return fail(err)
	}

	fileKey, err := id.DeriveFileKey(m.Nonce[:])
	if err != nil {
		return fail(err)
	}

	data, err := cdc.Decrypt(fileKey, ciphertext, m.Nonce[:], m.Tag[:])
	if err != nil {
		if errors.Is(err, codec.ErrAuthFailed) {
			n.hooks.Record(ctx, hooks.EventAuthFailed, map[string]any{
				"file_key": fk.Hex(),
				"op":       "retrieve",
			})
		}

		return fail(err)
	}

	if uint64(len(data)) != m.FileSize {
		return fail(fmt.Errorf("recovered %d bytes, manifest says %d", len(data), m.FileSize))
	}

	n.countRetrieve("success")
	n.hooks.Record(ctx, hooks.EventRetrieveCompleted, map[string]any{
		"file_key": fk.Hex(),
		"size":     len(data),
	})

	return data, nil
}

// loadManifest reads the manifest locally, falling back to the DHT for
// shared manifests this node does not hold.
func (n *Node) loadManifest(ctx context.Context, fk key.Key) (*manifest.Manifest, error) {
	m, err := n.index.Manifest(ctx, fk)
	if err == nil {
		return m, nil
	}

	if !errors.Is(err, index.ErrNotFound) {
		return nil, err
	}

	encoded, err := n.dht.GetValue(ctx, fk)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest not found locally or in the mesh", index.ErrNotFound)
	}

	return manifest.Unmarshal(encoded)
}

func (n *Node) countIngest(outcome string) {
	if n.metrics != nil {
		n.metrics.IngestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (n *Node) countRetrieve(outcome string) {
	if n.metrics != nil {
		n.metrics.RetrievalsTotal.WithLabelValues(outcome).Inc()
	}
}

// referencedShardKeys collects every shard key named by a local manifest.
func (n *Node) referencedShardKeys(ctx context.Context) (map[key.Key]bool, error) {
	referenced := make(map[key.Key]bool)

	err := n.db.WithTx(ctx, func(tx *sql.Tx) error {
		fms, err := n.db.SelectAllFileRecords(tx)
		if err != nil {
			return err
		}

		for _, fm := range fms {
			m, err := manifest.Unmarshal(fm.Manifest)
			if err != nil {
				zerolog.Ctx(ctx).Warn().
					Err(err).
					Str("file_key", fm.FileKey).
					Msg("skipping an undecodable stored manifest")

				continue
			}

			for _, sk := range m.ShardKeys {
				referenced[sk] = true
			}
		}

		return nil
	})

	return referenced, err
}
