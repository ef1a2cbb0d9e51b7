package dht

import (
	"context"
	"sync"

	"github.com/ioustamora/datamesh/pkg/key"
)

// MemoryNetwork is an in-process mesh of transports for tests. Nodes can
// be taken offline to simulate churn.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[key.Key]*MemoryTransport
}

// NewMemoryNetwork returns an empty mesh.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[key.Key]*MemoryTransport)}
}

// Join adds a node to the mesh and returns its transport.
func (n *MemoryNetwork) Join(id key.Key) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &MemoryTransport{network: n, id: id}
	n.nodes[id] = t

	return t
}

// SetOffline flips a node's reachability.
func (n *MemoryNetwork) SetOffline(id key.Key, offline bool) {
	n.mu.RLock()
	t, ok := n.nodes[id]
	n.mu.RUnlock()

	if ok {
		t.SetOffline(offline)
	}
}

func (n *MemoryNetwork) lookup(id key.Key) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	t, ok := n.nodes[id]

	return t, ok
}

// MemoryTransport implements Transport against a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	id      key.Key

	mu      sync.RWMutex
	handler Handler
	offline bool
	closed  bool
}

// RoundTrip delivers the request directly to the target's handler.
func (t *MemoryTransport) RoundTrip(ctx context.Context, peer PeerInfo, env *Envelope) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	senderOffline := t.offline || t.closed
	t.mu.RUnlock()

	if senderOffline {
		return nil, ErrTransportClosed
	}

	target, ok := t.network.lookup(peer.ID)
	if !ok {
		return nil, ErrPeerUnreachable
	}

	target.mu.RLock()
	h := target.handler
	unreachable := target.offline || target.closed
	target.mu.RUnlock()

	if unreachable || h == nil {
		return nil, ErrPeerUnreachable
	}

	if len(env.Body) > env.Kind.sizeLimit() {
		return nil, ErrOversizedMessage
	}

	reply, err := h(ctx, env)
	if err != nil {
		return nil, err
	}

	if len(reply.Body) > reply.Kind.sizeLimit() {
		return nil, ErrOversizedMessage
	}

	return reply, nil
}

// Serve installs the inbound handler.
func (t *MemoryTransport) Serve(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Addr returns a synthetic address for logs and bootstrap lists.
func (t *MemoryTransport) Addr() string { return "mem://" + t.id.String() }

// SetOffline flips reachability without tearing the node down.
func (t *MemoryTransport) SetOffline(offline bool) {
	t.mu.Lock()
	t.offline = offline
	t.mu.Unlock()
}

// Close removes the node from the mesh.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	return nil
}
