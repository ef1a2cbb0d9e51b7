package dht_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/key"
)

func newContext() context.Context {
	return zerolog.New(os.Stderr).WithContext(context.Background())
}

// memBlobs is a map-backed BlobStore for tests.
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

// newMesh builds n nodes on one in-memory network, each seeded with every
// other node so lookups converge immediately.
func newMesh(t *testing.T, n int) (*dht.MemoryNetwork, []*testNode) {
	t.Helper()

	network := dht.NewMemoryNetwork()
	nodes := make([]*testNode, n)

	for i := range nodes {
		id := key.Sum([]byte(fmt.Sprintf("node-%d", i)))
		transport := network.Join(id)
		blobs := newMemBlobs()

		d := dht.New(dht.Config{
			Self:           dht.PeerInfo{ID: id, Addrs: []string{transport.Addr()}},
			RequestTimeout: 2 * time.Second,
		}, transport, blobs, nil)

		nodes[i] = &testNode{dht: d, blobs: blobs, id: id}
	}

	for i, a := range nodes {
		for j, b := range nodes {
			if i != j {
				a.dht.AddPeer(dht.PeerInfo{ID: b.id})
			}
		}
	}

	return network, nodes
}

func TestBootstrap(t *testing.T) {
	t.Parallel()

	t.Run("joins through reachable candidates", func(t *testing.T) {
		t.Parallel()

		network := dht.NewMemoryNetwork()

		seeds := make([]dht.BootstrapEntry, 0, 3)

		for i := 0; i < 3; i++ {
			id := key.Sum([]byte(fmt.Sprintf("seed-%d", i)))
			transport := network.Join(id)
			dht.New(dht.Config{
				Self: dht.PeerInfo{ID: id, Addrs: []string{transport.Addr()}},
			}, transport, newMemBlobs(), nil)

			seeds = append(seeds, dht.BootstrapEntry{
				Peer:     dht.PeerInfo{ID: id},
				Priority: i,
			})
		}

		joinerID := key.Sum([]byte("joiner"))
		joiner := dht.New(dht.Config{
			Self: dht.PeerInfo{ID: joinerID},
		}, network.Join(joinerID), newMemBlobs(), nil)

		require.NoError(t, joiner.Bootstrap(newContext(), seeds))
		assert.GreaterOrEqual(t, joiner.PeerCount(), 1)
	})

	t.Run("succeeds with two of three candidates down", func(t *testing.T) {
		t.Parallel()

		network := dht.NewMemoryNetwork()

		seeds := make([]dht.BootstrapEntry, 0, 3)
		ids := make([]key.Key, 0, 3)

		for i := 0; i < 3; i++ {
			id := key.Sum([]byte(fmt.Sprintf("churn-seed-%d", i)))
			ids = append(ids, id)
			transport := network.Join(id)
			dht.New(dht.Config{
				Self: dht.PeerInfo{ID: id, Addrs: []string{transport.Addr()}},
			}, transport, newMemBlobs(), nil)

			seeds = append(seeds, dht.BootstrapEntry{Peer: dht.PeerInfo{ID: id}})
		}

		network.SetOffline(ids[0], true)
		network.SetOffline(ids[1], true)

		joinerID := key.Sum([]byte("churn-joiner"))
		joiner := dht.New(dht.Config{
			Self:           dht.PeerInfo{ID: joinerID},
			RequestTimeout: time.Second,
		}, network.Join(joinerID), newMemBlobs(), nil)

		require.NoError(t, joiner.Bootstrap(newContext(), seeds))
	})

	t.Run("fails when every candidate is down", func(t *testing.T) {
		t.Parallel()

		network := dht.NewMemoryNetwork()

		joinerID := key.Sum([]byte("lonely-joiner"))
		joiner := dht.New(dht.Config{
			Self:           dht.PeerInfo{ID: joinerID},
			RequestTimeout: time.Second,
		}, network.Join(joinerID), newMemBlobs(), nil)

		err := joiner.Bootstrap(newContext(), []dht.BootstrapEntry{
			{Peer: dht.PeerInfo{ID: key.Sum([]byte("ghost-1"))}},
			{Peer: dht.PeerInfo{ID: key.Sum([]byte("ghost-2"))}},
		})
		assert.ErrorIs(t, err, dht.ErrNoBootstrapReachable)
	})

	t.Run("empty candidate list fails", func(t *testing.T) {
		t.Parallel()

		network := dht.NewMemoryNetwork()
		joinerID := key.Sum([]byte("no-seeds"))
		joiner := dht.New(dht.Config{
			Self: dht.PeerInfo{ID: joinerID},
		}, network.Join(joinerID), newMemBlobs(), nil)

		assert.ErrorIs(t, joiner.Bootstrap(newContext(), nil), dht.ErrNoBootstrapReachable)
	})
}

func TestFindNode(t *testing.T) {
	t.Parallel()

	_, nodes := newMesh(t, 8)

	target := key.Sum([]byte("some target"))

	peers, err := nodes[0].dht.FindNode(newContext(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, peers)
}

func TestPutGetValue(t *testing.T) {
	t.Parallel()

	t.Run("put reaches quorum and get recovers the bytes", func(t *testing.T) {
		t.Parallel()

		_, nodes := newMesh(t, 6)

		value := []byte("shard bytes for the mesh")
		k := key.Sum(value)

		require.NoError(t, nodes[0].dht.PutValue(newContext(), k, value))

		// The bytes landed on some peers.
		stored := 0

		for _, n := range nodes {
			if n.blobs.Has(newContext(), k) {
				stored++
			}
		}

		assert.NotZero(t, stored)

		got, err := nodes[1].dht.GetValue(newContext(), k)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("put fails without reachable peers", func(t *testing.T) {
		t.Parallel()

		network := dht.NewMemoryNetwork()
		id := key.Sum([]byte("isolated"))
		d := dht.New(dht.Config{
			Self:           dht.PeerInfo{ID: id},
			RequestTimeout: time.Second,
		}, network.Join(id), newMemBlobs(), nil)

		value := []byte("unreplicable")

		err := d.PutValue(newContext(), key.Sum(value), value)
		assert.ErrorIs(t, err, dht.ErrInsufficientReplication)
	})

	t.Run("peers refuse bytes that do not hash to the key", func(t *testing.T) {
		t.Parallel()

		_, nodes := newMesh(t, 4)

		err := nodes[0].dht.PutValue(newContext(), key.Sum([]byte("right")), []byte("wrong"))
		assert.ErrorIs(t, err, dht.ErrInsufficientReplication)
	})
}

func TestProviders(t *testing.T) {
	t.Parallel()

	t.Run("announce then find", func(t *testing.T) {
		t.Parallel()

		_, nodes := newMesh(t, 6)

		k := key.Sum([]byte("a shard"))

		require.NoError(t, nodes[2].dht.AnnounceProvider(newContext(), k, time.Hour))

		providers, err := nodes[0].dht.FindProviders(newContext(), k)
		require.NoError(t, err)

		found := false

		for _, p := range providers {
			if p.ID == nodes[2].id {
				found = true
			}
		}

		assert.True(t, found, "announcing node must be listed as a provider")
	})

	t.Run("get value fetches from an announced provider", func(t *testing.T) {
		t.Parallel()

		_, nodes := newMesh(t, 6)

		value := []byte("provided bytes")
		k := key.Sum(value)

		require.NoError(t, nodes[3].blobs.Put(newContext(), k, value, 0))
		require.NoError(t, nodes[3].dht.AnnounceProvider(newContext(), k, time.Hour))

		got, err := nodes[1].dht.GetValue(newContext(), k)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})

	t.Run("offline providers are skipped", func(t *testing.T) {
		t.Parallel()

		network, nodes := newMesh(t, 6)

		value := []byte("redundant bytes")
		k := key.Sum(value)

		require.NoError(t, nodes[3].blobs.Put(newContext(), k, value, 0))
		require.NoError(t, nodes[3].dht.AnnounceProvider(newContext(), k, time.Hour))
		require.NoError(t, nodes[4].blobs.Put(newContext(), k, value, 0))
		require.NoError(t, nodes[4].dht.AnnounceProvider(newContext(), k, time.Hour))

		network.SetOffline(nodes[3].id, true)

		ctx, cancel := context.WithTimeout(newContext(), 5*time.Second)
		defer cancel()

		got, err := nodes[1].dht.GetValue(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	})
}

func TestPeerScoring(t *testing.T) {
	t.Parallel()

	network, nodes := newMesh(t, 3)

	// Drive successes to node 1 and failures to node 2.
	k := key.Sum([]byte("scored"))

	require.NoError(t, nodes[0].dht.Ping(newContext(), dht.PeerInfo{ID: nodes[1].id}))

	network.SetOffline(nodes[2].id, true)

	_ = nodes[0].dht.Ping(newContext(), dht.PeerInfo{ID: nodes[2].id})
	_, _ = nodes[0].dht.FindNode(newContext(), k)

	var goodScore, badScore *dht.PeerStats

	for _, ps := range nodes[0].dht.Peers() {
		ps := ps
		switch ps.Info.ID {
		case nodes[1].id:
			goodScore = &ps
		case nodes[2].id:
			badScore = &ps
		}
	}

	require.NotNil(t, goodScore)
	require.NotNil(t, badScore)

	assert.NotZero(t, goodScore.Successes)
	assert.NotZero(t, badScore.Failures)

	// Demoted, not evicted: the failing peer stays in the table.
	assert.Len(t, nodes[0].dht.Peers(), 2)
}
