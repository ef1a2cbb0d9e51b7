package dht

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ioustamora/datamesh/pkg/key"
)

// Kind identifies the message framing for one request or reply type.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindFindNode
	KindFindNodeReply
	KindFindProviders
	KindFindProvidersReply
	KindAnnounceProvider
	KindGetValue
	KindGetValueReply
	KindPutValue
	KindPutValueReply
)

// MaxValueSize bounds shard bytes carried by PutValue and GetValueReply.
const MaxValueSize = 4 << 20

// maxControlSize bounds every other message kind.
const maxControlSize = 64 << 10

// ErrOversizedMessage is returned when a message exceeds its per-kind size
// limit. The sending peer's score is decremented.
var ErrOversizedMessage = errors.New("oversized message")

// sizeLimit returns the maximum encoded body size for a kind.
func (k Kind) sizeLimit() int {
	switch k {
	case KindPutValue, KindGetValueReply:
		return MaxValueSize + maxControlSize
	default:
		return maxControlSize
	}
}

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindFindNode:
		return "find_node"
	case KindFindNodeReply:
		return "find_node_reply"
	case KindFindProviders:
		return "find_providers"
	case KindFindProvidersReply:
		return "find_providers_reply"
	case KindAnnounceProvider:
		return "announce_provider"
	case KindGetValue:
		return "get_value"
	case KindGetValueReply:
		return "get_value_reply"
	case KindPutValue:
		return "put_value"
	case KindPutValueReply:
		return "put_value_reply"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope frames every wire message: a request id copied into the reply,
// the sender's peer id, the kind, and the kind-specific body. Replies with
// unknown ids are dropped silently.
type Envelope struct {
	ID   uint64 `msgpack:"id"`
	From []byte `msgpack:"from"`
	// FromAddrs advertises the sender's listen addresses so the receiver
	// can add it to its routing table.
	FromAddrs []string `msgpack:"from_addrs"`
	Kind      Kind     `msgpack:"kind"`
	Body      []byte   `msgpack:"body"`
}

// Sender decodes the sender's peer id.
func (e *Envelope) Sender() (key.Key, error) {
	return key.FromBytes(e.From)
}

// wirePeer is the on-wire representation of a routing-table entry.
type wirePeer struct {
	ID    []byte   `msgpack:"id"`
	Addrs []string `msgpack:"addrs"`
}

func toWirePeers(infos []PeerInfo) []wirePeer {
	out := make([]wirePeer, len(infos))
	for i, info := range infos {
		out[i] = wirePeer{ID: info.ID[:], Addrs: info.Addrs}
	}

	return out
}

func fromWirePeers(wps []wirePeer) []PeerInfo {
	out := make([]PeerInfo, 0, len(wps))

	for _, wp := range wps {
		id, err := key.FromBytes(wp.ID)
		if err != nil {
			continue
		}

		out = append(out, PeerInfo{ID: id, Addrs: wp.Addrs})
	}

	return out
}

type (
	pingBody struct{}

	findNodeBody struct {
		Target []byte `msgpack:"target"`
	}

	findNodeReplyBody struct {
		Peers []wirePeer `msgpack:"peers"`
	}

	findProvidersBody struct {
		Key []byte `msgpack:"key"`
	}

	findProvidersReplyBody struct {
		Providers []wirePeer `msgpack:"providers"`
		Closer    []wirePeer `msgpack:"closer"`
	}

	announceProviderBody struct {
		Key        []byte `msgpack:"key"`
		TTLSeconds int64  `msgpack:"ttl"`

		// Provider names the peer holding the bytes when the announcer
		// publishes on another peer's behalf (the ingest pipeline
		// announcing its upload targets). Empty means the sender.
		Provider *wirePeer `msgpack:"provider,omitempty"`
	}

	getValueBody struct {
		Key []byte `msgpack:"key"`
	}

	getValueReplyBody struct {
		Found bool   `msgpack:"found"`
		Value []byte `msgpack:"value"`
	}

	putValueBody struct {
		Key   []byte `msgpack:"key"`
		Value []byte `msgpack:"value"`
	}

	putValueReplyBody struct {
		Stored bool `msgpack:"stored"`
	}
)

func encodeBody(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding the message body: %w", err)
	}

	return b, nil
}

func decodeBody(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("error decoding the message body: %w", err)
	}

	return nil
}
