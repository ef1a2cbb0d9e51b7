package dht

import (
	"sync"
	"time"

	"github.com/ioustamora/datamesh/pkg/key"
)

// providerStore holds the provider records this node has learned: which
// peers claim to hold the bytes for which shard key. Records expire; the
// publisher re-announces before expiry.
type providerStore struct {
	mu      sync.RWMutex
	records map[key.Key]map[key.Key]providerRecord
}

type providerRecord struct {
	peer      PeerInfo
	expiresAt time.Time
}

func newProviderStore() *providerStore {
	return &providerStore{records: make(map[key.Key]map[key.Key]providerRecord)}
}

func (p *providerStore) add(k key.Key, peer PeerInfo, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byPeer, ok := p.records[k]
	if !ok {
		byPeer = make(map[key.Key]providerRecord)
		p.records[k] = byPeer
	}

	byPeer[peer.ID] = providerRecord{peer: peer, expiresAt: time.Now().Add(ttl)}
}

func (p *providerStore) remove(k key.Key, peerID key.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if byPeer, ok := p.records[k]; ok {
		delete(byPeer, peerID)

		if len(byPeer) == 0 {
			delete(p.records, k)
		}
	}
}

// get returns the unexpired providers of a shard key.
func (p *providerStore) get(k key.Key) []PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	out := make([]PeerInfo, 0, len(p.records[k]))

	for _, rec := range p.records[k] {
		if rec.expiresAt.After(now) {
			out = append(out, rec.peer)
		}
	}

	return out
}

// expire drops records whose TTL elapsed. A missed republish is not
// retroactive: the record simply disappears.
func (p *providerStore) expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, byPeer := range p.records {
		for id, rec := range byPeer {
			if !rec.expiresAt.After(now) {
				delete(byPeer, id)
			}
		}

		if len(byPeer) == 0 {
			delete(p.records, k)
		}
	}
}
