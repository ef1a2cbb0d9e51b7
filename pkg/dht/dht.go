// Package dht is the Kademlia-style content routing layer: XOR-distance
// routing over the shard keyspace, provider records for shard keys, and
// direct value transfer between peers.
package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/telemetry"
)

const (
	otelPackageName = "github.com/ioustamora/datamesh/pkg/dht"

	// DefaultAlpha is the lookup concurrency.
	DefaultAlpha = 3

	// DefaultRequestTimeout is the per-request deadline.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultProviderTTL is the lifetime of a provider record; the
	// publisher re-announces before half of it elapses.
	DefaultProviderTTL = time.Hour

	// bootstrapTarget is the success count at which Bootstrap returns
	// early instead of waiting for the remaining candidates.
	bootstrapTarget = 3

	// bootstrapDialAttempts bounds the exponential-backoff retries per
	// bootstrap candidate.
	bootstrapDialAttempts = 3
)

var (
	// ErrNoBootstrapReachable is returned when every bootstrap candidate
	// failed.
	ErrNoBootstrapReachable = errors.New("no bootstrap peer reachable")

	// ErrInsufficientReplication is returned when a put did not reach
	// the acknowledgement quorum.
	ErrInsufficientReplication = errors.New("insufficient replication")

	// ErrValueNotFound is returned when no reachable provider returned
	// the value.
	ErrValueNotFound = errors.New("value not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// BlobStore is the local storage the DHT serves GetValue and PutValue
// from. The shard store implements it.
type BlobStore interface {
	Get(ctx context.Context, k key.Key) ([]byte, error)
	Put(ctx context.Context, k key.Key, b []byte, ttl time.Duration) error
	Has(ctx context.Context, k key.Key) bool
}

// BootstrapEntry is one operator-configured bootstrap candidate. Entries
// are tried in priority order; equal priorities are ordered by recent
// success rate.
type BootstrapEntry struct {
	Peer     PeerInfo
	Priority int
}

// Config tunes one DHT instance.
type Config struct {
	// Self is the local node: its peer id and advertised addresses.
	Self PeerInfo

	// BucketSize is the Kademlia k parameter. Zero means
	// DefaultBucketSize.
	BucketSize int

	// Alpha is the lookup concurrency. Zero means DefaultAlpha.
	Alpha int

	// Quorum is the acknowledgement count a PutValue needs. Zero means
	// BucketSize/2+1 bounded by the replica set actually contacted.
	Quorum int

	// RequestTimeout is the per-request deadline. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ProviderTTL is the announce lifetime. Zero means
	// DefaultProviderTTL.
	ProviderTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BucketSize <= 0 {
		c.BucketSize = DefaultBucketSize
	}

	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.ProviderTTL <= 0 {
		c.ProviderTTL = DefaultProviderTTL
	}

	return c
}

// announcement tracks one locally published provider record for republish.
type announcement struct {
	provider    PeerInfo
	ttl         time.Duration
	announcedAt time.Time
}

// DHT is one node's view of the routing overlay.
type DHT struct {
	cfg       Config
	transport Transport
	table     *table
	providers *providerStore
	blobs     BlobStore
	metrics   *telemetry.Metrics

	announceMu sync.Mutex
	announced  map[key.Key]announcement
}

// New wires a DHT over the given transport and installs the inbound
// request handler.
func New(cfg Config, transport Transport, blobs BlobStore, metrics *telemetry.Metrics) *DHT {
	cfg = cfg.withDefaults()

	d := &DHT{
		cfg:       cfg,
		transport: transport,
		table:     newTable(cfg.Self.ID, cfg.BucketSize),
		providers: newProviderStore(),
		blobs:     blobs,
		metrics:   metrics,
	}

	transport.Serve(d.handle)

	return d
}

// Self returns the local peer.
func (d *DHT) Self() PeerInfo { return d.cfg.Self }

// PeerCount returns the number of known peers.
func (d *DHT) PeerCount() int { return d.table.size() }

// Peers returns a snapshot of every known peer's score.
func (d *DHT) Peers() []PeerStats { return d.table.stats() }

// AddPeer seeds the routing table, used by tests and by bootstrap.
func (d *DHT) AddPeer(info PeerInfo) { d.table.add(info) }

// Bootstrap joins the overlay through the given candidates. All candidates
// are dialed concurrently; the call returns as soon as bootstrapTarget
// succeed, and fails with ErrNoBootstrapReachable only if every candidate
// failed.
func (d *DHT) Bootstrap(ctx context.Context, entries []BootstrapEntry) error {
	ctx, span := tracer.Start(
		ctx,
		"dht.Bootstrap",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("candidates", len(entries))),
	)
	defer span.End()

	if len(entries) == 0 {
		return ErrNoBootstrapReachable
	}

	ordered := make([]BootstrapEntry, len(entries))
	copy(ordered, entries)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}

		return d.successRate(ordered[i].Peer.ID) > d.successRate(ordered[j].Peer.ID)
	})

	bootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		successes int
	)

	var wg sync.WaitGroup

	done := make(chan struct{})

	for _, entry := range ordered {
		wg.Add(1)

		go func(entry BootstrapEntry) {
			defer wg.Done()

			if err := d.bootstrapOne(bootCtx, entry.Peer); err != nil {
				zerolog.Ctx(ctx).Debug().
					Err(err).
					Str("peer", entry.Peer.ID.String()).
					Msg("bootstrap candidate failed")

				return
			}

			mu.Lock()
			successes++

			if successes >= bootstrapTarget {
				select {
				case <-done:
				default:
					close(done)
				}
			}
			mu.Unlock()
		}(entry)
	}

	finished := make(chan struct{})

	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-done:
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	mu.Lock()
	ok := successes > 0
	mu.Unlock()

	if !ok {
		return ErrNoBootstrapReachable
	}

	// Populate the table around our own id.
	if _, err := d.FindNode(ctx, d.cfg.Self.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("self lookup after bootstrap failed")
	}

	zerolog.Ctx(ctx).Info().
		Int("successes", successes).
		Int("known_peers", d.table.size()).
		Msg("joined the overlay")

	return nil
}

// bootstrapOne pings a single candidate, retrying its address list with
// exponential backoff.
func (d *DHT) bootstrapOne(ctx context.Context, peer PeerInfo) error {
	operation := func() (struct{}, error) {
		return struct{}{}, d.ping(ctx, peer)
	}

	_, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(bootstrapDialAttempts),
	)
	if err != nil {
		return err
	}

	d.table.add(peer)

	return nil
}

// FindNode runs the iterative lookup and returns up to k peers closest to
// target.
func (d *DHT) FindNode(ctx context.Context, target key.Key) ([]PeerInfo, error) {
	ctx, span := tracer.Start(
		ctx,
		"dht.FindNode",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("target", target.String())),
	)
	defer span.End()

	body, err := encodeBody(findNodeBody{Target: target[:]})
	if err != nil {
		return nil, err
	}

	results := d.iterativeLookup(ctx, target, KindFindNode, body, func(reply *Envelope) []PeerInfo {
		var rb findNodeReplyBody
		if err := decodeBody(reply.Body, &rb); err != nil {
			return nil
		}

		return fromWirePeers(rb.Peers)
	})

	return results, nil
}

// FindProviders runs the iterative lookup for peers that hold or claim to
// hold the shard.
func (d *DHT) FindProviders(ctx context.Context, k key.Key) ([]PeerInfo, error) {
	ctx, span := tracer.Start(
		ctx,
		"dht.FindProviders",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("shard_key", k.String())),
	)
	defer span.End()

	// Start with what we already know locally.
	found := make(map[key.Key]PeerInfo)
	for _, p := range d.providers.get(k) {
		found[p.ID] = p
	}

	var foundMu sync.Mutex

	body, err := encodeBody(findProvidersBody{Key: k[:]})
	if err != nil {
		return nil, err
	}

	d.iterativeLookup(ctx, k, KindFindProviders, body, func(reply *Envelope) []PeerInfo {
		var rb findProvidersReplyBody
		if err := decodeBody(reply.Body, &rb); err != nil {
			return nil
		}

		foundMu.Lock()
		for _, p := range fromWirePeers(rb.Providers) {
			found[p.ID] = p
		}
		foundMu.Unlock()

		return fromWirePeers(rb.Closer)
	})

	foundMu.Lock()
	defer foundMu.Unlock()

	out := make([]PeerInfo, 0, len(found))
	for _, p := range found {
		out = append(out, p)
	}

	return out, nil
}

// AnnounceProvider publishes a provider record naming this node for k and
// remembers the announcement for republish.
func (d *DHT) AnnounceProvider(ctx context.Context, k key.Key, ttl time.Duration) error {
	return d.AnnounceProviderFor(ctx, k, d.cfg.Self, ttl)
}

// AnnounceProviderFor publishes a provider record naming the given peer to
// the peers closest to k. The ingest pipeline uses this to advertise the
// peers it uploaded each shard to.
func (d *DHT) AnnounceProviderFor(ctx context.Context, k key.Key, provider PeerInfo, ttl time.Duration) error {
	ctx, span := tracer.Start(
		ctx,
		"dht.AnnounceProvider",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("shard_key", k.String()),
			attribute.String("provider", provider.ID.String()),
		),
	)
	defer span.End()

	if ttl <= 0 {
		ttl = d.cfg.ProviderTTL
	}

	targets, err := d.FindNode(ctx, k)
	if err != nil {
		return err
	}

	// Record locally regardless of who we could tell.
	d.providers.add(k, provider, ttl)

	wp := wirePeer{ID: provider.ID[:], Addrs: provider.Addrs}

	body, err := encodeBody(announceProviderBody{
		Key:        k[:],
		TTLSeconds: int64(ttl.Seconds()),
		Provider:   &wp,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, target := range targets {
		g.Go(func() error {
			if _, err := d.request(gctx, target, KindAnnounceProvider, body); err != nil {
				zerolog.Ctx(ctx).Debug().
					Err(err).
					Str("peer", target.ID.String()).
					Msg("announce failed at one peer")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	d.announceMu.Lock()
	if d.announced == nil {
		d.announced = make(map[key.Key]announcement)
	}

	d.announced[k] = announcement{provider: provider, ttl: ttl, announcedAt: time.Now()}
	d.announceMu.Unlock()

	return nil
}

// UnannounceProvider forgets a local announcement; used by ingest rollback.
func (d *DHT) UnannounceProvider(k key.Key) {
	d.announceMu.Lock()
	delete(d.announced, k)
	d.announceMu.Unlock()

	d.providers.remove(k, d.cfg.Self.ID)
}

// RepublishDue reports whether any announcement reached its half-life.
func (d *DHT) RepublishDue(now time.Time) bool {
	d.announceMu.Lock()
	defer d.announceMu.Unlock()

	for _, a := range d.announced {
		if now.Sub(a.announcedAt) >= a.ttl/2 {
			return true
		}
	}

	return false
}

// Republish re-announces every published record whose half-life elapsed
// and expires foreign records. Run from the node's cron.
func (d *DHT) Republish(ctx context.Context, now time.Time) {
	d.providers.expire(now)

	d.announceMu.Lock()

	due := make(map[key.Key]announcement)

	for k, a := range d.announced {
		if now.Sub(a.announcedAt) >= a.ttl/2 {
			due[k] = a
		}
	}
	d.announceMu.Unlock()

	for k, a := range due {
		if err := d.AnnounceProviderFor(ctx, k, a.provider, a.ttl); err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("shard_key", k.String()).
				Msg("republish failed")
		}
	}
}

// GetValue fetches the shard bytes from a provider, querying several
// providers in parallel and returning the first hash-valid copy.
func (d *DHT) GetValue(ctx context.Context, k key.Key) ([]byte, error) {
	ctx, span := tracer.Start(
		ctx,
		"dht.GetValue",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("shard_key", k.String())),
	)
	defer span.End()

	if d.blobs != nil && d.blobs.Has(ctx, k) {
		if b, err := d.blobs.Get(ctx, k); err == nil {
			return b, nil
		}
	}

	providers, err := d.FindProviders(ctx, k)
	if err != nil {
		return nil, err
	}

	return d.GetValueFrom(ctx, k, providers)
}

// GetValueFrom fetches the shard bytes from a known provider set, first
// hash-valid copy wins. Bytes that fail verification are rejected and the
// providing peer penalized.
func (d *DHT) GetValueFrom(ctx context.Context, k key.Key, providers []PeerInfo) ([]byte, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers for %s", ErrValueNotFound, k)
	}

	body, err := encodeBody(getValueBody{Key: k[:]})
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value []byte
	}

	results := make(chan result, len(providers))

	var wg sync.WaitGroup

	for _, p := range providers {
		// Serving our own shard locally needs no round trip.
		if p.ID == d.cfg.Self.ID {
			if d.blobs != nil && d.blobs.Has(ctx, k) {
				if b, err := d.blobs.Get(ctx, k); err == nil {
					results <- result{value: b}

					continue
				}
			}

			continue
		}

		wg.Add(1)

		go func(p PeerInfo) {
			defer wg.Done()

			reply, err := d.request(fetchCtx, p, KindGetValue, body)
			if err != nil {
				return
			}

			var rb getValueReplyBody
			if err := decodeBody(reply.Body, &rb); err != nil || !rb.Found {
				return
			}

			// Shard bytes are self-verifying.
			if key.Sum(rb.Value) != k {
				if ps, ok := d.table.get(p.ID); ok {
					ps.recordFailure()
				}

				zerolog.Ctx(ctx).Warn().
					Str("peer", p.ID.String()).
					Str("shard_key", k.String()).
					Msg("provider returned corrupt bytes")

				return
			}

			results <- result{value: rb.Value}
		}(p)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case r, ok := <-results:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrValueNotFound, k)
		}

		return r.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutValue stores the shard bytes at the peers closest to k. It succeeds
// once Quorum peers acknowledged and fails with ErrInsufficientReplication
// otherwise.
func (d *DHT) PutValue(ctx context.Context, k key.Key, value []byte) error {
	ctx, span := tracer.Start(
		ctx,
		"dht.PutValue",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("shard_key", k.String()),
			attribute.Int("size", len(value)),
		),
	)
	defer span.End()

	targets, err := d.FindNode(ctx, k)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		return fmt.Errorf("%w: no peers known", ErrInsufficientReplication)
	}

	quorum := d.cfg.Quorum
	if quorum <= 0 {
		quorum = d.cfg.BucketSize/2 + 1
	}

	if quorum > len(targets) {
		quorum = len(targets)
	}

	body, err := encodeBody(putValueBody{Key: k[:], Value: value})
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		acks int
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, target := range targets {
		g.Go(func() error {
			reply, err := d.request(gctx, target, KindPutValue, body)
			if err != nil {
				return nil //nolint:nilerr // a single peer failing is not fatal
			}

			var rb putValueReplyBody
			if err := decodeBody(reply.Body, &rb); err != nil || !rb.Stored {
				return nil
			}

			mu.Lock()
			acks++
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if acks < quorum {
		return fmt.Errorf("%w: %d of %d required acknowledgements", ErrInsufficientReplication, acks, quorum)
	}

	return nil
}

// PutValueTo stores the shard bytes at one specific peer. The placement
// layer drives per-peer uploads and its own retry policy through this.
func (d *DHT) PutValueTo(ctx context.Context, peer PeerInfo, k key.Key, value []byte) error {
	body, err := encodeBody(putValueBody{Key: k[:], Value: value})
	if err != nil {
		return err
	}

	reply, err := d.request(ctx, peer, KindPutValue, body)
	if err != nil {
		return err
	}

	var rb putValueReplyBody
	if err := decodeBody(reply.Body, &rb); err != nil {
		return err
	}

	if !rb.Stored {
		return fmt.Errorf("%w: peer %s refused the shard", ErrInsufficientReplication, peer.ID)
	}

	return nil
}

// Ping checks one peer's liveness.
func (d *DHT) Ping(ctx context.Context, peer PeerInfo) error {
	return d.ping(ctx, peer)
}

func (d *DHT) ping(ctx context.Context, peer PeerInfo) error {
	body, err := encodeBody(pingBody{})
	if err != nil {
		return err
	}

	_, err = d.request(ctx, peer, KindPing, body)

	return err
}

// iterativeLookup is the shared Kademlia lookup: query the alpha closest
// unqueried peers each round, merge what they return, stop when a round
// brings no peer closer to the target.
func (d *DHT) iterativeLookup(
	ctx context.Context,
	target key.Key,
	kind Kind,
	body []byte,
	extract func(*Envelope) []PeerInfo,
) []PeerInfo {
	type entry struct {
		info    PeerInfo
		queried bool
	}

	shortlist := make(map[key.Key]*entry)

	for _, p := range d.table.closest(target, d.cfg.BucketSize) {
		shortlist[p.ID] = &entry{info: p}
	}

	closestSoFar := func() key.Key {
		best := key.Key{}
		first := true

		for id := range shortlist {
			dist := target.Distance(id)
			if first || dist.Less(best) {
				best = dist
				first = false
			}
		}

		return best
	}

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		// Pick the alpha closest unqueried peers.
		var batch []*entry

		ids := make([]key.Key, 0, len(shortlist))
		for id := range shortlist {
			ids = append(ids, id)
		}

		sort.Slice(ids, func(i, j int) bool {
			return target.Distance(ids[i]).Less(target.Distance(ids[j]))
		})

		for _, id := range ids {
			if e := shortlist[id]; !e.queried {
				batch = append(batch, e)
				if len(batch) == d.cfg.Alpha {
					break
				}
			}
		}

		if len(batch) == 0 {
			break
		}

		before := closestSoFar()

		var (
			mu      sync.Mutex
			learned []PeerInfo
		)

		var wg sync.WaitGroup

		for _, e := range batch {
			e.queried = true

			wg.Add(1)

			go func(p PeerInfo) {
				defer wg.Done()

				reply, err := d.request(ctx, p, kind, body)
				if err != nil {
					return
				}

				peers := extract(reply)

				mu.Lock()
				learned = append(learned, peers...)
				mu.Unlock()
			}(e.info)
		}

		wg.Wait()

		for _, p := range learned {
			if p.ID == d.cfg.Self.ID {
				continue
			}

			d.table.add(p)

			if _, ok := shortlist[p.ID]; !ok {
				shortlist[p.ID] = &entry{info: p}
			}
		}

		// Converged: no strictly closer peer appeared this round.
		if !closestSoFar().Less(before) {
			break
		}
	}

	return d.table.closest(target, d.cfg.BucketSize)
}

// request sends one envelope with the configured deadline and scores the
// peer on the outcome.
func (d *DHT) request(ctx context.Context, peer PeerInfo, kind Kind, body []byte) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	env := &Envelope{
		ID:        requestID(),
		From:      d.cfg.Self.ID[:],
		FromAddrs: d.cfg.Self.Addrs,
		Kind:      kind,
		Body:      body,
	}

	start := time.Now()

	reply, err := d.transport.RoundTrip(ctx, peer, env)

	outcome := "ok"

	if err != nil {
		outcome = "error"

		if ps, ok := d.table.get(peer.ID); ok {
			ps.recordFailure()
		}
	} else if ps, ok := d.table.get(peer.ID); ok {
		ps.recordSuccess(time.Since(start))
	}

	if d.metrics != nil {
		d.metrics.DHTRequests.WithLabelValues(kind.String(), outcome).Inc()
	}

	return reply, err
}

// handle answers one inbound request.
func (d *DHT) handle(ctx context.Context, env *Envelope) (*Envelope, error) {
	sender, err := env.Sender()
	if err != nil {
		return nil, fmt.Errorf("error decoding the sender id: %w", err)
	}

	// Learn the caller.
	d.table.add(PeerInfo{ID: sender, Addrs: env.FromAddrs})

	reply := &Envelope{
		ID:        env.ID,
		From:      d.cfg.Self.ID[:],
		FromAddrs: d.cfg.Self.Addrs,
	}

	switch env.Kind {
	case KindPing:
		reply.Kind = KindPing
		reply.Body, err = encodeBody(pingBody{})

	case KindFindNode:
		var b findNodeBody
		if err := decodeBody(env.Body, &b); err != nil {
			return nil, err
		}

		target, err := key.FromBytes(b.Target)
		if err != nil {
			return nil, err
		}

		reply.Kind = KindFindNodeReply
		reply.Body, err = encodeBody(findNodeReplyBody{
			Peers: toWirePeers(d.table.closest(target, d.cfg.BucketSize)),
		})
		if err != nil {
			return nil, err
		}

	case KindFindProviders:
		var b findProvidersBody
		if err := decodeBody(env.Body, &b); err != nil {
			return nil, err
		}

		k, err := key.FromBytes(b.Key)
		if err != nil {
			return nil, err
		}

		reply.Kind = KindFindProvidersReply
		reply.Body, err = encodeBody(findProvidersReplyBody{
			Providers: toWirePeers(d.providers.get(k)),
			Closer:    toWirePeers(d.table.closest(k, d.cfg.BucketSize)),
		})
		if err != nil {
			return nil, err
		}

	case KindAnnounceProvider:
		var b announceProviderBody
		if err := decodeBody(env.Body, &b); err != nil {
			return nil, err
		}

		k, err := key.FromBytes(b.Key)
		if err != nil {
			return nil, err
		}

		provider := PeerInfo{ID: sender, Addrs: env.FromAddrs}

		if b.Provider != nil {
			if id, err := key.FromBytes(b.Provider.ID); err == nil {
				provider = PeerInfo{ID: id, Addrs: b.Provider.Addrs}
			}
		}

		d.providers.add(k, provider, time.Duration(b.TTLSeconds)*time.Second)

		reply.Kind = KindAnnounceProvider
		reply.Body, err = encodeBody(pingBody{})
		if err != nil {
			return nil, err
		}

	case KindGetValue:
		var b getValueBody
		if err := decodeBody(env.Body, &b); err != nil {
			return nil, err
		}

		k, err := key.FromBytes(b.Key)
		if err != nil {
			return nil, err
		}

		rb := getValueReplyBody{}

		if d.blobs != nil {
			if v, err := d.blobs.Get(ctx, k); err == nil {
				rb.Found = true
				rb.Value = v
			}
		}

		reply.Kind = KindGetValueReply
		reply.Body, err = encodeBody(rb)
		if err != nil {
			return nil, err
		}

	case KindPutValue:
		var b putValueBody
		if err := decodeBody(env.Body, &b); err != nil {
			return nil, err
		}

		k, err := key.FromBytes(b.Key)
		if err != nil {
			return nil, err
		}

		rb := putValueReplyBody{}

		// Self-verifying bytes: refuse anything that does not hash to
		// its key.
		if d.blobs != nil && key.Sum(b.Value) == k {
			if err := d.blobs.Put(ctx, k, b.Value, d.cfg.ProviderTTL*2); err == nil {
				rb.Stored = true

				d.providers.add(k, d.cfg.Self, d.cfg.ProviderTTL)

				if d.metrics != nil {
					d.metrics.ShardsStored.Inc()
				}
			}
		}

		reply.Kind = KindPutValueReply
		reply.Body, err = encodeBody(rb)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unhandled message kind %s", env.Kind)
	}

	if err != nil {
		return nil, err
	}

	return reply, nil
}

func (d *DHT) successRate(id key.Key) float64 {
	ps, ok := d.table.get(id)
	if !ok {
		return 0
	}

	return ps.score()
}

func requestID() uint64 {
	var b [8]byte

	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable process state.
		panic(err)
	}

	return binary.BigEndian.Uint64(b[:])
}
