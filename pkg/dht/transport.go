package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/rs/zerolog"

	"github.com/ioustamora/datamesh/pkg/key"
)

// frameHeaderSize is the length prefix on every wire frame.
const frameHeaderSize = 4

// maxFrameSize bounds any single frame before its kind is known.
const maxFrameSize = MaxValueSize + maxControlSize

var (
	// ErrPeerUnreachable is returned when no address of a peer accepted
	// a connection.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// Handler processes one inbound request envelope and returns the reply.
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Transport moves envelopes between peers. The production implementation
// speaks length-framed msgpack over TCP inside a noise-XX session; tests
// swap in an in-memory mesh.
type Transport interface {
	// RoundTrip sends a request to the peer and returns the matching
	// reply. Replies whose id does not match are dropped silently.
	RoundTrip(ctx context.Context, peer PeerInfo, env *Envelope) (*Envelope, error)

	// Serve handles inbound requests with h until Close.
	Serve(h Handler)

	// Addr returns the listen address, usable as a bootstrap address.
	Addr() string

	Close() error
}

// session is one established noise channel. A session is exclusive to one
// in-flight request; concurrent requests to the same peer take another
// session from the pool or dial a new one.
type session struct {
	conn net.Conn
	send *noise.CipherState
	recv *noise.CipherState
}

// NoiseTransport is the TCP transport with noise-XX authenticated
// encryption.
type NoiseTransport struct {
	localID  key.Key
	static   noise.DHKey
	listener net.Listener

	mu      sync.Mutex
	closed  bool
	pool    map[key.Key][]*session
	inbound map[net.Conn]struct{}

	handlerMu sync.RWMutex
	handler   Handler

	wg sync.WaitGroup
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// NewNoiseTransport listens on listenAddr and serves handshakes
// immediately; connections that send a request before Serve installs a
// handler are closed without a reply.
func NewNoiseTransport(ctx context.Context, listenAddr string, localID key.Key) (*NoiseTransport, error) {
	static, err := cipherSuite().GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating the static noise keypair: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %q: %w", listenAddr, err)
	}

	t := &NoiseTransport{
		localID:  localID,
		static:   static,
		listener: listener,
		pool:     make(map[key.Key][]*session),
		inbound:  make(map[net.Conn]struct{}),
	}

	t.wg.Add(1)

	go t.acceptLoop(ctx)

	return t, nil
}

// Addr returns the bound listen address.
func (t *NoiseTransport) Addr() string { return t.listener.Addr().String() }

// Serve installs the inbound handler.
func (t *NoiseTransport) Serve(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// Close stops the listener and tears down pooled sessions.
func (t *NoiseTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil
	}

	t.closed = true

	for _, sessions := range t.pool {
		for _, s := range sessions {
			s.conn.Close()
		}
	}

	for conn := range t.inbound {
		conn.Close()
	}

	t.pool = nil
	t.inbound = nil
	t.mu.Unlock()

	err := t.listener.Close()
	t.wg.Wait()

	return err
}

// RoundTrip sends the envelope and waits for the matching reply.
func (t *NoiseTransport) RoundTrip(ctx context.Context, peer PeerInfo, env *Envelope) (*Envelope, error) {
	s, err := t.takeSession(ctx, peer)
	if err != nil {
		return nil, err
	}

	reply, err := t.exchange(ctx, s, env)
	if err != nil {
		s.conn.Close()

		return nil, err
	}

	t.returnSession(peer.ID, s)

	return reply, nil
}

func (t *NoiseTransport) exchange(ctx context.Context, s *session, env *Envelope) (*Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("error setting the connection deadline: %w", err)
		}
	} else if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("error clearing the connection deadline: %w", err)
	}

	if err := writeEnvelope(s.conn, s.send, env); err != nil {
		return nil, err
	}

	for {
		reply, err := readEnvelope(s.conn, s.recv)
		if err != nil {
			return nil, err
		}

		if reply.ID != env.ID {
			// Unknown request id: drop silently.
			continue
		}

		if len(reply.Body) > reply.Kind.sizeLimit() {
			return nil, ErrOversizedMessage
		}

		return reply, nil
	}
}

func (t *NoiseTransport) takeSession(ctx context.Context, peer PeerInfo) (*session, error) {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return nil, ErrTransportClosed
	}

	if sessions := t.pool[peer.ID]; len(sessions) > 0 {
		s := sessions[len(sessions)-1]
		t.pool[peer.ID] = sessions[:len(sessions)-1]
		t.mu.Unlock()

		return s, nil
	}

	t.mu.Unlock()

	return t.dial(ctx, peer)
}

func (t *NoiseTransport) returnSession(id key.Key, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		s.conn.Close()

		return
	}

	t.pool[id] = append(t.pool[id], s)
}

// dial walks the peer's address list in order and performs the initiator
// side of the XX handshake on the first address that connects.
func (t *NoiseTransport) dial(ctx context.Context, peer PeerInfo) (*session, error) {
	var lastErr error

	for _, addr := range peer.Addrs {
		var d net.Dialer

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err

			continue
		}

		s, err := t.handshakeInitiator(ctx, conn)
		if err != nil {
			conn.Close()
			lastErr = err

			continue
		}

		return s, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerUnreachable, lastErr)
	}

	return nil, ErrPeerUnreachable
}

func (t *NoiseTransport) handshakeInitiator(ctx context.Context, conn net.Conn) (*session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}

		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: t.static,
	})
	if err != nil {
		return nil, fmt.Errorf("error constructing the handshake state: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error writing handshake message 1: %w", err)
	}

	if err := writeFrame(conn, msg1); err != nil {
		return nil, err
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("error reading handshake message 2: %w", err)
	}

	msg3, sendCS, recvCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error writing handshake message 3: %w", err)
	}

	if err := writeFrame(conn, msg3); err != nil {
		return nil, err
	}

	return &session{conn: conn, send: sendCS, recv: recvCS}, nil
}

func (t *NoiseTransport) handshakeResponder(conn net.Conn) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeXX,
		StaticKeypair: t.static,
	})
	if err != nil {
		return nil, fmt.Errorf("error constructing the handshake state: %w", err)
	}

	msg1, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("error reading handshake message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error writing handshake message 2: %w", err)
	}

	if err := writeFrame(conn, msg2); err != nil {
		return nil, err
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	_, recvCS, sendCS, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("error reading handshake message 3: %w", err)
	}

	return &session{conn: conn, send: sendCS, recv: recvCS}, nil
}

func (t *NoiseTransport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()

	log := zerolog.Ctx(ctx)

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()

			if closed {
				return
			}

			log.Warn().Err(err).Msg("error accepting a connection")

			continue
		}

		t.wg.Add(1)

		go func() {
			defer t.wg.Done()
			t.serveConn(ctx, conn)
		}()
	}
}

func (t *NoiseTransport) serveConn(ctx context.Context, conn net.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()

		return
	}

	t.inbound[conn] = struct{}{}
	t.mu.Unlock()

	defer func() {
		conn.Close()

		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()

	log := zerolog.Ctx(ctx)

	s, err := t.handshakeResponder(conn)
	if err != nil {
		log.Debug().Err(err).Msg("handshake failed")

		return
	}

	for {
		env, err := readEnvelope(s.conn, s.recv)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("error reading a request")
			}

			return
		}

		if len(env.Body) > env.Kind.sizeLimit() {
			log.Warn().
				Str("kind", env.Kind.String()).
				Int("size", len(env.Body)).
				Msg("dropping an oversized message")

			return
		}

		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()

		if h == nil {
			return
		}

		reply, err := h(ctx, env)
		if err != nil {
			log.Debug().Err(err).Str("kind", env.Kind.String()).Msg("handler error")

			return
		}

		if err := writeEnvelope(s.conn, s.send, reply); err != nil {
			log.Debug().Err(err).Msg("error writing a reply")

			return
		}
	}
}

func writeEnvelope(conn net.Conn, cs *noise.CipherState, env *Envelope) error {
	plain, err := encodeBody(env)
	if err != nil {
		return err
	}

	sealed, err := cs.Encrypt(nil, nil, plain)
	if err != nil {
		return fmt.Errorf("error encrypting the frame: %w", err)
	}

	return writeFrame(conn, sealed)
}

func readEnvelope(conn net.Conn, cs *noise.CipherState) (*Envelope, error) {
	sealed, err := readFrame(conn)
	if err != nil {
		return nil, err
	}

	plain, err := cs.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("error decrypting the frame: %w", err)
	}

	env := &Envelope{}
	if err := decodeBody(plain, env); err != nil {
		return nil, err
	}

	return env, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrOversizedMessage
	}

	var hdr [frameHeaderSize]byte

	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("error writing the frame header: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("error writing the frame payload: %w", err)
	}

	return nil
}

func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [frameHeaderSize]byte

	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("error reading the frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, ErrOversizedMessage
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("error reading the frame payload: %w", err)
	}

	return payload, nil
}
