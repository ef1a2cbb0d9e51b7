package node_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/pkg/codec"
	"github.com/ioustamora/datamesh/pkg/dht"
	"github.com/ioustamora/datamesh/pkg/helper"
	"github.com/ioustamora/datamesh/pkg/hooks"
	"github.com/ioustamora/datamesh/pkg/key"
	"github.com/ioustamora/datamesh/pkg/keystore"
	"github.com/ioustamora/datamesh/pkg/node"
	"github.com/ioustamora/datamesh/pkg/placement"
)

const alicePassword = "correct horse battery staple"

func newContext() context.Context {
	return zerolog.New(os.Stderr).WithContext(context.Background())
}

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

// cluster is an in-memory mesh: one client node plus storage nodes.
type cluster struct {
	network *dht.MemoryNetwork
	client  *node.Node
	storage []*node.Node
	ids     []key.Key
	hooks   *recordingHooks
}

// newCluster builds a client and n storage nodes, all seeded with each
// other's ids so lookups converge without a bootstrap round.
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()

	network := dht.NewMemoryNetwork()
	rec := &recordingHooks{}

	c := &cluster{network: network, hooks: rec}

	build := func(label string) (*node.Node, key.Key) {
		id := key.Sum([]byte("cluster/" + label))

		nd, err := node.New(newContext(), node.Config{
			DataPath:  t.TempDir(),
			Transport: network.Join(id),
			PeerID:    id,
			Hooks:     hooks.Hooks{Recorder: rec},
			KeystoreOptions: []keystore.Option{
				keystore.WithMinPasswordEntropy(0),
			},
		})
		require.NoError(t, err)
		t.Cleanup(func() { nd.Close() })

		return nd, id
	}

	var allIDs []key.Key

	c.client, _ = build("client")

	clientID := c.client.DHT().Self().ID

	for i := 0; i < n; i++ {
		nd, id := build(fmt.Sprintf("storage-%d", i))
		c.storage = append(c.storage, nd)
		allIDs = append(allIDs, id)
	}

	c.ids = allIDs

	for _, id := range allIDs {
		c.client.DHT().AddPeer(dht.PeerInfo{ID: id})
	}

	for i, nd := range c.storage {
		nd.DHT().AddPeer(dht.PeerInfo{ID: clientID})

		for j, other := range allIDs {
			if i != j {
				nd.DHT().AddPeer(dht.PeerInfo{ID: other})
			}
		}
	}

	return c
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)

	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

// shardHolders maps each shard ordinal to the storage nodes holding it.
func (c *cluster) shardHolders(t *testing.T, shardKeys []key.Key) map[int][]*node.Node {
	t.Helper()

	holders := make(map[int][]*node.Node)

	for i, sk := range shardKeys {
		for _, nd := range c.storage {
			if nd.Store().Has(newContext(), sk) {
				holders[i] = append(holders[i], nd)
			}
		}
	}

	return holders
}

func TestScenarioBasicRoundtrip(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 1<<20)

	bound, fk, err := c.client.Ingest(newContext(), "report", data, node.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "report", bound)

	// The name index resolves the binding.
	id, err := c.client.Identity()
	require.NoError(t, err)

	owner := key.Sum(id.Public).Hex()

	got, err := c.client.Index().Lookup(newContext(), owner, "report")
	require.NoError(t, err)
	assert.Equal(t, fk, got)

	// The manifest names exactly 12 shards.
	m, err := c.client.Index().Manifest(newContext(), fk)
	require.NoError(t, err)
	assert.Len(t, m.ShardKeys, 12)

	// Retrieval by name returns the bytes unchanged.
	recovered, err := c.client.Retrieve(newContext(), "report", nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, recovered), "retrieved bytes differ")

	assert.Contains(t, c.hooks.kinds(), hooks.EventIngestCompleted)
	assert.Contains(t, c.hooks.kinds(), hooks.EventRetrieveCompleted)
}

func TestScenarioFaultToleranceAtTheMinimum(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 1<<20)

	_, fk, err := c.client.Ingest(newContext(), "report", data, node.IngestOptions{})
	require.NoError(t, err)

	m, err := c.client.Index().Manifest(newContext(), fk)
	require.NoError(t, err)

	holders := c.shardHolders(t, m.ShardKeys)

	// Take the holders of four ordinals offline; 8 shards remain.
	down := 0

	for ordinal := 0; down < 4 && ordinal < len(m.ShardKeys); ordinal++ {
		for _, nd := range holders[ordinal] {
			c.network.SetOffline(nd.DHT().Self().ID, true)
		}

		down++
	}

	recovered, err := c.client.Retrieve(newContext(), "report", nil)
	require.NoError(t, err, "retrieval must survive four lost providers")
	assert.True(t, bytes.Equal(data, recovered))

	// A fifth loss pushes below the data-shard minimum.
	for _, nd := range holders[4] {
		c.network.SetOffline(nd.DHT().Self().ID, true)
	}

	_, err = c.client.Retrieve(newContext(), "report", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrInsufficientShards)

	var rerr *placement.RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, rerr.Failed,
		"the error payload must list exactly the unreachable ordinals")
}

func TestScenarioTamperedShard(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 256<<10)

	_, fk, err := c.client.Ingest(newContext(), "report", data, node.IngestOptions{})
	require.NoError(t, err)

	m, err := c.client.Index().Manifest(newContext(), fk)
	require.NoError(t, err)

	holders := c.shardHolders(t, m.ShardKeys)
	require.NotEmpty(t, holders[0])

	// Corrupt one byte of shard 0 at its provider.
	sk := m.ShardKeys[0]
	holder := holders[0][0]

	shardPath := filepath.Join(holder.Store().Root(), "shards", helper.ShardFilePath(sk.Hex()))

	b, err := os.ReadFile(shardPath)
	require.NoError(t, err)

	b[len(b)/2] ^= 0x01

	require.NoError(t, os.Chmod(shardPath, 0o600))
	require.NoError(t, os.WriteFile(shardPath, b, 0o600))

	// The provider detects the corruption on read and the retriever
	// recovers from the remaining shards either way.
	recovered, err := c.client.Retrieve(newContext(), "report", nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, recovered))
}

func TestScenarioWrongPassword(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 3)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", "p1"))
	c.client.CloseIdentity()

	err := c.client.OpenIdentity(newContext(), "alice", "p2")
	require.ErrorIs(t, err, keystore.ErrBadPassword)

	assert.Contains(t, c.hooks.kinds(), hooks.EventAuthFailed,
		"a failed open must emit an audit event")
}

func TestScenarioConcurrentIngestNameCollision(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data1 := randomData(t, 100<<10)
	data2 := randomData(t, 100<<10)

	type result struct {
		data  []byte
		bound string
		fk    key.Key
		err   error
	}

	results := make(chan result, 2)

	for _, data := range [][]byte{data1, data2} {
		go func(data []byte) {
			bound, fk, err := c.client.Ingest(newContext(), "notes", data, node.IngestOptions{})
			results <- result{data: data, bound: bound, fk: fk, err: err}
		}(data)
	}

	r1 := <-results
	r2 := <-results

	require.NoError(t, r1.err)
	require.NoError(t, r2.err)

	assert.ElementsMatch(t, []string{"notes", "notes-1"}, []string{r1.bound, r2.bound})
	assert.NotEqual(t, r1.fk, r2.fk)

	// Both files are independently retrievable and map back to the data
	// that was ingested under each file key.
	for _, r := range []result{r1, r2} {
		got, err := c.client.RetrieveByKey(newContext(), r.fk, nil)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(r.data, got), "file %q corrupted", r.bound)
	}
}

func TestScenarioBootstrapResilience(t *testing.T) {
	t.Parallel()

	network := dht.NewMemoryNetwork()

	makeNode := func(label string) (*node.Node, key.Key) {
		id := key.Sum([]byte("boot/" + label))

		nd, err := node.New(newContext(), node.Config{
			DataPath:  t.TempDir(),
			Transport: network.Join(id),
			PeerID:    id,
		})
		require.NoError(t, err)
		t.Cleanup(func() { nd.Close() })

		return nd, id
	}

	// Three bootstrap seeds and a pool of storage nodes that all know
	// each other, so one reachable seed suffices to learn the mesh.
	var (
		mesh    []*node.Node
		meshIDs []key.Key
		entries []dht.BootstrapEntry
		seedIDs []key.Key
	)

	for i := 0; i < 3; i++ {
		nd, id := makeNode(fmt.Sprintf("seed-%d", i))
		mesh = append(mesh, nd)
		meshIDs = append(meshIDs, id)
		seedIDs = append(seedIDs, id)
		entries = append(entries, dht.BootstrapEntry{Peer: dht.PeerInfo{ID: id}, Priority: i})
	}

	for i := 0; i < 13; i++ {
		nd, id := makeNode(fmt.Sprintf("storage-%d", i))
		mesh = append(mesh, nd)
		meshIDs = append(meshIDs, id)
	}

	for i, nd := range mesh {
		for j, id := range meshIDs {
			if i != j {
				nd.DHT().AddPeer(dht.PeerInfo{ID: id})
			}
		}
	}

	// Two of the three seeds are down.
	network.SetOffline(seedIDs[0], true)
	network.SetOffline(seedIDs[1], true)

	clientID := key.Sum([]byte("boot/client"))
	client, err := node.New(newContext(), node.Config{
		DataPath:  t.TempDir(),
		Transport: network.Join(clientID),
		PeerID:    clientID,
		Bootstrap: entries,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(newContext(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Bootstrap(ctx))

	// An ingest immediately after join succeeds.
	require.NoError(t, client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 64<<10)

	_, _, err = client.Ingest(ctx, "post-join", data, node.IngestOptions{})
	require.NoError(t, err)

	got, err := client.Retrieve(ctx, "post-join", nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestSharedManifestRetrievableFromMesh(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 32<<10)

	_, fk, err := c.client.Ingest(newContext(), "shared-file", data, node.IngestOptions{Shared: true})
	require.NoError(t, err)

	// Drop the local binding; the manifest must still be loadable from
	// the mesh by its file key.
	require.NoError(t, c.client.Index().Remove(newContext(), fk))

	got, err := c.client.RetrieveByKey(newContext(), fk, nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestOrphanSweep(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 4)

	nd := c.storage[0]

	// An unreferenced shard older than the grace period is collected.
	b := []byte("orphan shard bytes")
	k := key.Sum(b)

	require.NoError(t, nd.Store().Put(newContext(), k, b, 0))

	require.NoError(t, nd.OrphanSweep(newContext(), time.Now().Add(2*time.Hour)))
	assert.False(t, nd.Store().Has(newContext(), k))
}

func TestOrphanSweepSparesYoungShards(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 4)

	nd := c.storage[0]

	b := []byte("young shard bytes")
	k := key.Sum(b)

	require.NoError(t, nd.Store().Put(newContext(), k, b, 0))

	require.NoError(t, nd.OrphanSweep(newContext(), time.Now()))
	assert.True(t, nd.Store().Has(newContext(), k), "young orphans get a grace period")
}

func TestHealthSurvey(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 14)

	require.NoError(t, c.client.CreateIdentity(newContext(), "alice", alicePassword))

	data := randomData(t, 64<<10)

	_, _, err := c.client.Ingest(newContext(), "surveyed", data, node.IngestOptions{})
	require.NoError(t, err)

	require.NoError(t, c.client.HealthSurvey(newContext()))

	id, err := c.client.Identity()
	require.NoError(t, err)

	entries, err := c.client.Index().List(newContext(), key.Sum(id.Public).Hex())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, 100, entries[0].Health, "all providers reachable means full health")
}

func TestIngestWithoutIdentity(t *testing.T) {
	t.Parallel()

	c := newCluster(t, 3)

	_, _, err := c.client.Ingest(newContext(), "nope", []byte("data"), node.IngestOptions{})
	assert.ErrorIs(t, err, node.ErrNoIdentity)
}

func TestHooksDenyIngest(t *testing.T) {
	t.Parallel()

	network := dht.NewMemoryNetwork()
	id := key.Sum([]byte("denied-client"))

	denier := hooks.Hooks{
		Authorizer: denyAll{},
	}

	nd, err := node.New(newContext(), node.Config{
		DataPath:  t.TempDir(),
		Transport: network.Join(id),
		PeerID:    id,
		Hooks:     denier,
		KeystoreOptions: []keystore.Option{
			keystore.WithMinPasswordEntropy(0),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { nd.Close() })

	require.NoError(t, nd.CreateIdentity(newContext(), "alice", "pw"))

	_, _, err = nd.Ingest(newContext(), "blocked", []byte("data"), node.IngestOptions{})
	assert.ErrorIs(t, err, node.ErrDenied)
}

type denyAll struct{}

func (denyAll) AuthorizeOperation(context.Context, string, hooks.Op, string) hooks.Decision {
	return hooks.Deny("policy says no")
}
