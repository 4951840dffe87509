package node

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/provchain/node/pkg/consensus"
	"github.com/provchain/node/pkg/wire"
)

// transport is the static-peer-list TCP fabric for PBFT's consensus
// messages: one long-lived outbound connection per peer, redialed on
// failure, and a single accept loop for inbound connections. Grounded
// on the dial/reconnect-with-backoff shape of
// orbas1-Synnergy/synnergy-network/core/connection_pool.go's Dialer/
// ConnPool (here simplified to one persistent conn per peer, since PBFT
// peers are a small fixed set rather than an arbitrary address pool).
type transport struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn // peer address -> live outbound conn

	listener net.Listener
	deliver  func(from string, raw []byte) // OnMessage sink
	closing  chan struct{}
	wg       sync.WaitGroup
}

func newTransport(log zerolog.Logger, deliver func(from string, raw []byte)) *transport {
	return &transport{
		log:     log,
		conns:   make(map[string]net.Conn),
		deliver: deliver,
		closing: make(chan struct{}),
	}
}

// Listen starts accepting inbound peer connections at addr.
func (t *transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
				t.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	for {
		raw, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		t.deliver(peer, raw)
	}
}

// Send delivers raw to peer addr, dialing (and caching the connection)
// on first use or after a prior failure.
func (t *transport) Send(addr string, raw []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		var err error
		conn, err = net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.conns[addr] = conn
		t.mu.Unlock()
	}
	if err := wire.WriteFrame(conn, raw); err != nil {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

// Broadcast sends raw to every peer in addrs, logging (not failing) on
// a per-peer dial/write error so one unreachable peer never blocks
// progress for the others.
func (t *transport) Broadcast(addrs []string, raw []byte) {
	for _, addr := range addrs {
		if err := t.Send(addr, raw); err != nil {
			t.log.Warn().Err(err).Str("peer", addr).Msg("send failed")
		}
	}
}

// Close stops the accept loop and closes every live connection.
func (t *transport) Close() error {
	close(t.closing)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[string]net.Conn)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// pumpOutgoing drains engine.Outgoing() once and broadcasts each
// message to peers (To == "" means broadcast; a non-empty To is a
// future point for unicast-only messages like NewView replay, not yet
// produced by pbft.Replica).
func pumpOutgoing(t *transport, peers []string, engine consensus.Engine) {
	for _, msg := range engine.Outgoing() {
		if msg.To != "" {
			if err := t.Send(msg.To, msg.Raw); err != nil {
				t.log.Warn().Err(err).Str("peer", msg.To).Msg("unicast send failed")
			}
			continue
		}
		t.Broadcast(peers, msg.Raw)
	}
}
