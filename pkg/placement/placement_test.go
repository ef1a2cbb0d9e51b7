package placement_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/pkg/codec"
	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/placement"
)

func newContext() context.Context {
	return zerolog.New(os.Stderr).WithContext(context.Background())
}

type memBlobs struct {
	blobs map[key.Key][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[key.Key][]byte)}
}

func (m *memBlobs) Get(_ context.Context, k key.Key) ([]byte, error) {
	b, ok := m.blobs[k]
	if !ok {
		return nil, fmt.Errorf("not found")
	}

	return b, nil
}

func (m *memBlobs) Put(_ context.Context, k key.Key, b []byte, _ time.Duration) error {
	m.blobs[k] = b

	return nil
}

func (m *memBlobs) Has(_ context.Context, k key.Key) bool {
	_, ok := m.blobs[k]

	return ok
}

type testNode struct {
	dht   *dht.DHT
	blobs *memBlobs
	id    key.Key
}

func newMesh(t *testing.T, n int) (*dht.MemoryNetwork, []*testNode, *dht.DHT) {
	t.Helper()

	network := dht.NewMemoryNetwork()
	nodes := make([]*testNode, n)

	for i := range nodes {
		id := key.Sum([]byte(fmt.Sprintf("storage-node-%d", i)))
		transport := network.Join(id)
		blobs := newMemBlobs()

		d := dht.New(dht.Config{
			Self:           dht.PeerInfo{ID: id, Addrs: []string{transport.Addr()}},
			RequestTimeout: 2 * time.Second,
		}, transport, blobs, nil)

		nodes[i] = &testNode{dht: d, blobs: blobs, id: id}
	}

	// The uploader node does not store shards itself.
	uploaderID := key.Sum([]byte("uploader"))
	uploader := dht.New(dht.Config{
		Self:           dht.PeerInfo{ID: uploaderID, Addrs: nil},
		RequestTimeout: 2 * time.Second,
	}, network.Join(uploaderID), nil, nil)

	for _, n := range nodes {
		uploader.AddPeer(dht.PeerInfo{ID: n.id})

		for _, other := range nodes {
			if other.id != n.id {
				n.dht.AddPeer(dht.PeerInfo{ID: other.id})
			}
		}

		n.dht.AddPeer(dht.PeerInfo{ID: uploaderID})
	}

	return network, nodes, uploader
}

func makeShards(t *testing.T, n, size int) [][]byte {
	t.Helper()

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = make([]byte, size)
		for j := range shards[i] {
			shards[i][j] = byte(i*31 + j)
		}
	}

	return shards
}

func TestPlace(t *testing.T) {
	t.Parallel()

	t.Run("places every shard on a distinct peer", func(t *testing.T) {
		t.Parallel()

		_, nodes, uploader := newMesh(t, 14)

		shards := makeShards(t, 12, 1024)
		placer := placement.NewPlacer(uploader)

		var lastProgress placement.Progress

		shardKeys, err := placer.Place(newContext(), shards, func(p placement.Progress) {
			lastProgress = p
		})
		require.NoError(t, err)
		require.Len(t, shardKeys, 12)

		assert.Equal(t, 12, lastProgress.DoneShards)

		// Every shard key resolves to its bytes somewhere in the mesh.
		for i, sk := range shardKeys {
			stored := false

			for _, n := range nodes {
				if n.blobs.Has(newContext(), sk) {
					stored = true

					break
				}
			}

			assert.True(t, stored, "shard %d has no replica", i)
		}

		// Each shard has at least one provider on record.
		for _, sk := range shardKeys {
			providers, err := uploader.FindProviders(newContext(), sk)
			require.NoError(t, err)
			assert.NotEmpty(t, providers)
		}
	})

	t.Run("retries alternates when one peer is down", func(t *testing.T) {
		t.Parallel()

		network, nodes, uploader := newMesh(t, 14)

		// One storage node is unreachable for every attempt; placement
		// must still succeed through alternates.
		network.SetOffline(nodes[0].id, true)

		shards := makeShards(t, 12, 512)

		_, err := placement.NewPlacer(uploader).Place(newContext(), shards, nil)
		require.NoError(t, err)
	})

	t.Run("fails cleanly when no peers are reachable", func(t *testing.T) {
		t.Parallel()

		network, nodes, uploader := newMesh(t, 4)

		for _, n := range nodes {
			network.SetOffline(n.id, true)
		}

		shards := makeShards(t, 12, 128)

		_, err := placement.NewPlacer(uploader).Place(newContext(), shards, nil)
		require.ErrorIs(t, err, placement.ErrPlacementFailed)

		var perr *placement.PlacementError
		require.ErrorAs(t, err, &perr)
		assert.Len(t, perr.Unplaced, 12)
	})
}

func TestFetch(t *testing.T) {
	t.Parallel()

	place := func(t *testing.T) (*dht.MemoryNetwork, []*testNode, *dht.DHT, [][]byte, []key.Key) {
		t.Helper()

		network, nodes, uploader := newMesh(t, 14)

		shards := makeShards(t, 12, 2048)

		shardKeys, err := placement.NewPlacer(uploader).Place(newContext(), shards, nil)
		require.NoError(t, err)

		return network, nodes, uploader, shards, shardKeys
	}

	t.Run("fetches the full set", func(t *testing.T) {
		t.Parallel()

		_, _, uploader, shards, shardKeys := place(t)

		got, err := placement.NewRetriever(uploader).Fetch(newContext(), shardKeys, 8, nil)
		require.NoError(t, err)

		have := 0

		for i, b := range got {
			if b != nil {
				have++
				assert.Equal(t, shards[i], b, "ordinal %d", i)
			}
		}

		assert.GreaterOrEqual(t, have, 8)
	})

	t.Run("survives four providers going offline", func(t *testing.T) {
		t.Parallel()

		network, nodes, uploader, shards, shardKeys := place(t)

		offline := 0

		for _, n := range nodes {
			if offline == 4 {
				break
			}

			for _, sk := range shardKeys {
				if n.blobs.Has(newContext(), sk) {
					network.SetOffline(n.id, true)
					offline++

					break
				}
			}
		}

		require.Equal(t, 4, offline)

		got, err := placement.NewRetriever(uploader).Fetch(newContext(), shardKeys, 8, nil)
		require.NoError(t, err)

		for i, b := range got {
			if b != nil {
				assert.Equal(t, shards[i], b, "ordinal %d", i)
			}
		}
	})

	t.Run("fails with the unreachable ordinals listed", func(t *testing.T) {
		t.Parallel()

		network, nodes, uploader, _, shardKeys := place(t)

		// Take down peers until five shard ordinals are unreachable.
		unreachable := map[int]bool{}

		for _, n := range nodes {
			if len(unreachable) >= 5 {
				break
			}

			holds := false

			for i, sk := range shardKeys {
				if n.blobs.Has(newContext(), sk) {
					holds = true

					unreachable[i] = true
				}
			}

			if holds {
				network.SetOffline(n.id, true)
			}
		}

		require.GreaterOrEqual(t, len(unreachable), 5)

		_, err := placement.NewRetriever(uploader).Fetch(newContext(), shardKeys, 8, nil)
		require.Error(t, err)

		assert.ErrorIs(t, err, placement.ErrUnrecoverableFile)
		assert.ErrorIs(t, err, codec.ErrInsufficientShards)

		var rerr *placement.RetrievalError
		require.ErrorAs(t, err, &rerr)

		for i := range unreachable {
			assert.Contains(t, rerr.Failed, i)
		}
	})

	t.Run("rejects an out of range need", func(t *testing.T) {
		t.Parallel()

		_, _, uploader, _, shardKeys := place(t)

		_, err := placement.NewRetriever(uploader).Fetch(newContext(), shardKeys, 13, nil)
		assert.Error(t, err)
	})
}

func TestClosestSelector(t *testing.T) {
	t.Parallel()

	_, _, uploader := newMesh(t, 14)

	shards := makeShards(t, 12, 64)

	shardKeys := make([]key.Key, len(shards))
	for i, b := range shards {
		shardKeys[i] = key.Sum(b)
	}

	selector := &placement.ClosestSelector{DHT: uploader}

	candidates, err := selector.SelectTargets(newContext(), shardKeys)
	require.NoError(t, err)
	require.Len(t, candidates, 12)

	primaries := map[key.Key]int{}

	for i, peers := range candidates {
		require.NotEmpty(t, peers, "shard %d has no candidates", i)
		primaries[peers[0].ID]++
	}

	// 14 peers for 12 shards: primaries must be pairwise distinct.
	assert.Len(t, primaries, 12)
}
