package dht

import (
	"sort"
	"sync"

	"github.com/ioustamora/datamesh/pkg/key"
)

// DefaultBucketSize is the Kademlia k parameter: peers kept per bucket and
// closest-set size for lookups and replication.
const DefaultBucketSize = 20

// table is the Kademlia routing table: one bucket per bit of the keyspace,
// ordered by XOR distance from the local node id.
type table struct {
	self       key.Key
	bucketSize int

	mu      sync.RWMutex
	buckets [key.Size * 8][]key.Key
	peers   map[key.Key]*peerState
}

func newTable(self key.Key, bucketSize int) *table {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}

	return &table{
		self:       self,
		bucketSize: bucketSize,
		peers:      make(map[key.Key]*peerState),
	}
}

// add inserts or refreshes a peer. A full bucket drops the newcomer rather
// than evicting a known peer; known-good peers are the scarce resource.
func (t *table) add(info PeerInfo) *peerState {
	if info.ID == t.self || info.ID.IsZero() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ps, ok := t.peers[info.ID]; ok {
		if len(info.Addrs) > 0 {
			ps.mu.Lock()
			ps.info.Addrs = info.Addrs
			ps.mu.Unlock()
		}

		return ps
	}

	idx := t.self.BucketIndex(info.ID)
	if idx < 0 {
		return nil
	}

	if len(t.buckets[idx]) >= t.bucketSize {
		return nil
	}

	ps := &peerState{info: info}
	t.peers[info.ID] = ps
	t.buckets[idx] = append(t.buckets[idx], info.ID)

	return ps
}

// get returns the state of a known peer.
func (t *table) get(id key.Key) (*peerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ps, ok := t.peers[id]

	return ps, ok
}

// closest returns up to n known peers ordered by XOR distance to target.
// Within a distance band (same bucket) higher-scored peers come first.
func (t *table) closest(target key.Key, n int) []PeerInfo {
	t.mu.RLock()

	type candidate struct {
		info   PeerInfo
		dist   key.Key
		bucket int
		score  float64
	}

	candidates := make([]candidate, 0, len(t.peers))

	for id, ps := range t.peers {
		candidates = append(candidates, candidate{
			info:   ps.snapshot().Info,
			dist:   target.Distance(id),
			bucket: target.BucketIndex(id),
			score:  ps.score(),
		})
	}

	t.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].bucket != candidates[j].bucket {
			// A higher bucket index means a longer shared prefix,
			// i.e. a closer peer.
			return candidates[i].bucket > candidates[j].bucket
		}

		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		return candidates[i].dist.Less(candidates[j].dist)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	infos := make([]PeerInfo, len(candidates))
	for i, c := range candidates {
		infos[i] = c.info
	}

	return infos
}

// size returns the number of known peers.
func (t *table) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.peers)
}

// stats returns a snapshot of every known peer.
func (t *table) stats() []PeerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerStats, 0, len(t.peers))
	for _, ps := range t.peers {
		out = append(out, ps.snapshot())
	}

	return out
}
