// Package placement picks target peers for each shard on ingest and runs
// the concurrent first-success fetch on retrieval.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ioustamora/datamesh/pkg/codec"
	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/key"
)

const (
	// DefaultMaxInFlight bounds concurrent shard uploads.
	DefaultMaxInFlight = 8

	// DefaultRetries is the per-shard retry budget against alternate
	// peers.
	DefaultRetries = 3

	// DefaultHeadroom is the extra concurrent fetches launched beyond
	// the data-shard count on retrieval.
	DefaultHeadroom = 2
)

var (
	// ErrPlacementFailed is returned when at least one shard has no
	// acknowledged replica after all retries.
	ErrPlacementFailed = errors.New("placement failed")

	// ErrUnrecoverableFile is returned when retrieval could not assemble
	// enough shards within the deadline.
	ErrUnrecoverableFile = errors.New("unrecoverable file")
)

// ShardState is the per-shard progress state.
type ShardState int

const (
	ShardPending ShardState = iota
	ShardInFlight
	ShardDone
	ShardFailed
)

// Progress is the signal both pipelines report to higher layers.
type Progress struct {
	TotalShards int
	DoneShards  int
	BytesDone   uint64
	TotalBytes  uint64
	Shards      []ShardState
}

// ProgressFunc receives progress snapshots. It must not block.
type ProgressFunc func(Progress)

// PlacementError carries the ordinals that could not be placed.
type PlacementError struct {
	Unplaced []int
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement failed: %d shards unplaced %v", len(e.Unplaced), e.Unplaced)
}

// Is makes errors.Is(err, ErrPlacementFailed) work.
func (e *PlacementError) Is(target error) bool { return target == ErrPlacementFailed }

// RetrievalError carries the per-shard outcome of a failed retrieval.
type RetrievalError struct {
	// Failed lists the ordinals that could not be fetched.
	Failed []int
	// Have is the count of shards that did arrive.
	Have int
	// Need is the data-shard count.
	Need int
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("unrecoverable file: have %d of %d shards, unreachable ordinals %v",
		e.Have, e.Need, e.Failed)
}

// Is matches both the retrieval failure and the insufficient-shards kind.
func (e *RetrievalError) Is(target error) bool {
	return target == ErrUnrecoverableFile || target == codec.ErrInsufficientShards
}

// TargetSelector picks candidate peers per shard. Implementations may use
// locality hints; the default falls back to the peers closest to each
// shard's own key.
type TargetSelector interface {
	// SelectTargets returns an ordered candidate list per shard. The
	// head of each list is the primary target; the rest are alternates
	// for retries. Primaries are pairwise distinct wherever the peer
	// count allows it.
	SelectTargets(ctx context.Context, shardKeys []key.Key) ([][]dht.PeerInfo, error)
}

// ClosestSelector is the default TargetSelector: candidates are the peers
// closest to each shard key, with primaries deduplicated greedily.
type ClosestSelector struct {
	DHT *dht.DHT
}

// SelectTargets implements TargetSelector.
func (s *ClosestSelector) SelectTargets(ctx context.Context, shardKeys []key.Key) ([][]dht.PeerInfo, error) {
	candidates := make([][]dht.PeerInfo, len(shardKeys))

	for i, sk := range shardKeys {
		peers, err := s.DHT.FindNode(ctx, sk)
		if err != nil {
			return nil, err
		}

		candidates[i] = peers
	}

	// Greedy distinct-primary assignment: rotate each shard's candidate
	// list until its head is a peer no earlier shard claimed, falling
	// back to reuse when peers run short.
	claimed := make(map[key.Key]int)

	for i, peers := range candidates {
		rotated := false

		for offset := range peers {
			if claimed[peers[offset].ID] == 0 {
				candidates[i] = append(peers[offset:], peers[:offset]...)
				claimed[peers[offset].ID]++
				rotated = true

				break
			}
		}

		if !rotated && len(peers) > 0 {
			// Every candidate is claimed; pick the least loaded.
			sort.SliceStable(candidates[i], func(a, b int) bool {
				return claimed[candidates[i][a].ID] < claimed[candidates[i][b].ID]
			})
			claimed[candidates[i][0].ID]++
		}
	}

	return candidates, nil
}

// Placer uploads shard sets on ingest.
type Placer struct {
	dht      *dht.DHT
	selector TargetSelector

	maxInFlight int
	retries     int
	providerTTL time.Duration
}

// PlacerOption configures a Placer.
type PlacerOption func(*Placer)

// WithSelector swaps the target-selection policy.
func WithSelector(s TargetSelector) PlacerOption {
	return func(p *Placer) { p.selector = s }
}

// WithMaxInFlight bounds concurrent uploads.
func WithMaxInFlight(n int) PlacerOption {
	return func(p *Placer) { p.maxInFlight = n }
}

// WithRetries sets the per-shard retry budget.
func WithRetries(n int) PlacerOption {
	return func(p *Placer) { p.retries = n }
}

// WithProviderTTL sets the announce lifetime for placed shards.
func WithProviderTTL(ttl time.Duration) PlacerOption {
	return func(p *Placer) { p.providerTTL = ttl }
}

// NewPlacer returns a placer over the DHT.
func NewPlacer(d *dht.DHT, opts ...PlacerOption) *Placer {
	p := &Placer{
		dht:         d,
		selector:    &ClosestSelector{DHT: d},
		maxInFlight: DefaultMaxInFlight,
		retries:     DefaultRetries,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Place uploads every shard to a distinct peer, retrying alternates on
// failure, and announces a provider record per placed shard. An ingest is
// successful only if every shard has at least one acknowledged replica;
// otherwise everything announced so far is rolled back and a
// PlacementError lists the unplaced ordinals.
func (p *Placer) Place(ctx context.Context, shards [][]byte, progress ProgressFunc) ([]key.Key, error) {
	shardKeys := make([]key.Key, len(shards))
	for i, b := range shards {
		shardKeys[i] = key.Sum(b)
	}

	candidates, err := p.selector.SelectTargets(ctx, shardKeys)
	if err != nil {
		return nil, fmt.Errorf("error selecting target peers: %w", err)
	}

	var (
		mu     sync.Mutex
		states = make([]ShardState, len(shards))
		done   int
		bytes  uint64
		total  uint64
	)

	for _, b := range shards {
		total += uint64(len(b))
	}

	report := func() {
		if progress == nil {
			return
		}

		snapshot := Progress{
			TotalShards: len(shards),
			DoneShards:  done,
			BytesDone:   bytes,
			TotalBytes:  total,
			Shards:      append([]ShardState(nil), states...),
		}

		progress(snapshot)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxInFlight)

	placedBy := make([]dht.PeerInfo, len(shards))

	for i := range shards {
		mu.Lock()
		states[i] = ShardInFlight
		mu.Unlock()

		g.Go(func() error {
			peer, err := p.placeShard(gctx, shardKeys[i], shards[i], candidates[i])

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				states[i] = ShardFailed

				zerolog.Ctx(ctx).Warn().
					Err(err).
					Int("ordinal", i).
					Str("shard_key", shardKeys[i].String()).
					Msg("shard placement failed")
			} else {
				states[i] = ShardDone
				placedBy[i] = peer
				done++
				bytes += uint64(len(shards[i]))
			}

			report()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var unplaced []int

	for i, state := range states {
		if state != ShardDone {
			unplaced = append(unplaced, i)
		}
	}

	if len(unplaced) > 0 {
		return nil, &PlacementError{Unplaced: unplaced}
	}

	// Announce only after every shard is acknowledged so a failed ingest
	// leaves no dangling provider records.
	announced := make([]key.Key, 0, len(shards))

	for i, sk := range shardKeys {
		if err := p.dht.AnnounceProviderFor(ctx, sk, placedBy[i], p.providerTTL); err != nil {
			p.rollback(announced)

			return nil, fmt.Errorf("error announcing shard %d: %w", i, err)
		}

		announced = append(announced, sk)
	}

	return shardKeys, nil
}

// Rollback withdraws the provider records of a failed ingest.
func (p *Placer) Rollback(shardKeys []key.Key) {
	p.rollback(shardKeys)
}

func (p *Placer) rollback(shardKeys []key.Key) {
	for _, sk := range shardKeys {
		p.dht.UnannounceProvider(sk)
	}
}

func (p *Placer) placeShard(ctx context.Context, sk key.Key, shard []byte, candidates []dht.PeerInfo) (dht.PeerInfo, error) {
	if len(candidates) == 0 {
		return dht.PeerInfo{}, fmt.Errorf("no candidate peers for %s", sk)
	}

	attempts := p.retries + 1
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return dht.PeerInfo{}, err
		}

		peer := candidates[attempt]

		if err := p.dht.PutValueTo(ctx, peer, sk, shard); err != nil {
			lastErr = err

			continue
		}

		return peer, nil
	}

	return dht.PeerInfo{}, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// Retriever fetches shard sets on retrieval.
type Retriever struct {
	dht      *dht.DHT
	headroom int
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithHeadroom sets the extra concurrent fetches beyond the data-shard
// count.
func WithHeadroom(f int) RetrieverOption {
	return func(r *Retriever) { r.headroom = f }
}

// NewRetriever returns a retriever over the DHT.
func NewRetriever(d *dht.DHT, opts ...RetrieverOption) *Retriever {
	r := &Retriever{dht: d, headroom: DefaultHeadroom}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Fetch collects at least need shards out of the given ordinal-ordered key
// list. It launches need+headroom concurrent find-and-fetch workers and
// accepts the first need shards that arrive with correct hashes. The
// result slice has one slot per ordinal, nil where the shard was not
// fetched. Failure reports the per-shard outcome.
func (r *Retriever) Fetch(ctx context.Context, shardKeys []key.Key, need int, progress ProgressFunc) ([][]byte, error) {
	if need <= 0 || need > len(shardKeys) {
		return nil, fmt.Errorf("need %d of %d shards is out of range", need, len(shardKeys))
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		states = make([]ShardState, len(shardKeys))
		shards = make([][]byte, len(shardKeys))
		done   int
		bytes  uint64
	)

	report := func() {
		if progress == nil {
			return
		}

		progress(Progress{
			TotalShards: len(shardKeys),
			DoneShards:  done,
			BytesDone:   bytes,
			Shards:      append([]ShardState(nil), states...),
		})
	}

	// Ordinals are handed to workers through a channel so that exactly
	// need+headroom fetches run at once and stragglers pick up the
	// remaining ordinals.
	ordinals := make(chan int, len(shardKeys))
	for i := range shardKeys {
		ordinals <- i
	}

	close(ordinals)

	workers := need + r.headroom
	if workers > len(shardKeys) {
		workers = len(shardKeys)
	}

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range ordinals {
				mu.Lock()

				if done >= need {
					mu.Unlock()

					return
				}

				states[i] = ShardInFlight
				mu.Unlock()

				b, err := r.fetchShard(fetchCtx, shardKeys[i])

				mu.Lock()

				if err != nil {
					states[i] = ShardFailed

					zerolog.Ctx(ctx).Debug().
						Err(err).
						Int("ordinal", i).
						Str("shard_key", shardKeys[i].String()).
						Msg("shard fetch failed")
				} else {
					states[i] = ShardDone
					shards[i] = b
					done++
					bytes += uint64(len(b))

					if done >= need {
						cancel()
					}
				}

				report()
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if done < need {
		var failed []int

		for i, state := range states {
			if state != ShardDone {
				failed = append(failed, i)
			}
		}

		return nil, &RetrievalError{Failed: failed, Have: done, Need: need}
	}

	return shards, nil
}

func (r *Retriever) fetchShard(ctx context.Context, sk key.Key) ([]byte, error) {
	providers, err := r.dht.FindProviders(ctx, sk)
	if err != nil {
		return nil, err
	}

	return r.dht.GetValueFrom(ctx, sk, providers)
}
