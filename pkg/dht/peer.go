package dht

import (
	"sync"
	"time"

	"github.com/ioustamora/datamesh/pkg/key"
)

// rttAlpha is the smoothing factor of the response-time EWMA.
const rttAlpha = 0.2

// PeerInfo identifies a remote peer and how to reach it.
type PeerInfo struct {
	ID key.Key

	// Addrs lists network addresses in preference order; dialing walks
	// the list.
	Addrs []string
}

// peerState is the rolling score the table keeps per known peer. Peers are
// referenced by identifier, never by pointer; connections are owned by the
// transport's pool.
type peerState struct {
	mu sync.Mutex

	info      PeerInfo
	successes uint64
	failures  uint64

	// consecutiveFailures drives demotion. Sustained failure demotes the
	// peer, it never evicts it, so the network recovers when the peer
	// returns.
	consecutiveFailures uint64

	ewmaRTT  time.Duration
	lastSeen time.Time
}

func (p *peerState) recordSuccess(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successes++
	p.consecutiveFailures = 0
	p.lastSeen = time.Now()

	if p.ewmaRTT == 0 {
		p.ewmaRTT = rtt
	} else {
		p.ewmaRTT = time.Duration((1-rttAlpha)*float64(p.ewmaRTT) + rttAlpha*float64(rtt))
	}
}

func (p *peerState) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	p.consecutiveFailures++
}

// score ranks the peer for selection. Higher is better: success rate
// dominates, demotion from consecutive failures pushes the peer to the
// back, and a fast EWMA response time breaks ties.
func (p *peerState) score() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.successes + p.failures
	if total == 0 {
		// Unknown peers rank in the middle so they get tried but do
		// not displace proven ones.
		return 0.5
	}

	rate := float64(p.successes) / float64(total)

	demotion := float64(p.consecutiveFailures) * 0.1
	if demotion > 0.9 {
		demotion = 0.9
	}

	rttPenalty := 0.0
	if p.ewmaRTT > 0 {
		rttPenalty = float64(p.ewmaRTT) / float64(10*time.Second)
		if rttPenalty > 0.1 {
			rttPenalty = 0.1
		}
	}

	return rate - demotion - rttPenalty
}

func (p *peerState) snapshot() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PeerStats{
		Info:      p.info,
		Successes: p.successes,
		Failures:  p.failures,
		EwmaRTT:   p.ewmaRTT,
		LastSeen:  p.lastSeen,
	}
}

// PeerStats is a read-only view of one peer's score.
type PeerStats struct {
	Info      PeerInfo
	Successes uint64
	Failures  uint64
	EwmaRTT   time.Duration
	LastSeen  time.Time
}
