// Package p2p implements the peer transport and the mutual registration
// protocol. A connection starts unregistered; the REG / REG_VERIFY handshake
// proves each side controls both directions of the address it announces
// before any chain traffic is accepted. Messages are JSON over websocket
// with a hard 1 MiB read limit.
package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/askcoin/askcoin/foundation/blockchain/timer"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
)

// Protocol timing.
const (
	unregIdleDeadline = 10 * time.Second
	pingInterval      = 5 * time.Second
	dialTimeout       = time.Second
)

// Handler is implemented by the chain layer to receive messages from
// registered peers. ProcessPeerMessage must not block.
type Handler interface {
	ProcessPeerMessage(msg Message)
}

// Config holds the settings to run the p2p node.
type Config struct {
	Host       string
	Port       uint16
	MaxActive  uint32
	MaxPassive uint32
	Version    uint32
	Registry   *peer.Registry
	Clock      clock.Clock
	EvHandler  func(v string, args ...any)
}

// =============================================================================

// Node owns every peer connection and the handshake state machine.
type Node struct {
	cfg      Config
	ev       func(v string, args ...any)
	registry *peer.Registry
	clock    clock.Clock
	timers   *timer.Controller
	validate *validator.Validate
	handler  Handler

	server   *http.Server
	upgrader websocket.Upgrader

	peerMu     sync.Mutex
	peers      map[uint64]*Peer
	unregPeers map[uint64]*Peer

	nextConnID atomic.Uint64
	stopped    atomic.Bool
}

// New constructs the p2p node. The handler is registered separately to break
// the construction cycle with the chain layer.
func New(cfg Config) *Node {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	n := Node{
		cfg:      cfg,
		ev:       ev,
		registry: cfg.Registry,
		clock:    clk,
		timers:   timer.NewController(clk),
		validate: validator.New(),

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},

		peers:      make(map[uint64]*Peer),
		unregPeers: make(map[uint64]*Peer),
	}

	return &n
}

// SetHandler registers the chain layer. It must be called before Start.
func (n *Node) SetHandler(h Handler) {
	n.handler = h
}

// Start begins listening for inbound peer connections.
func (n *Node) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", n.accept)

	n.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.Port),
		Handler: mux,
	}

	ln := make(chan error, 1)
	go func() {
		ln <- n.server.ListenAndServe()
	}()

	// Give the listener a beat to fail fast on a busy port.
	select {
	case err := <-ln:
		return fmt.Errorf("p2p listen: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	n.ev("p2p: Start: listening on :%d", n.cfg.Port)
	return nil
}

// Stop closes the listener and every connection. In-flight handshakes are
// abandoned.
func (n *Node) Stop() {
	n.stopped.Store(true)

	if n.server != nil {
		n.server.Close()
	}

	n.peerMu.Lock()
	all := make([]*Peer, 0, len(n.peers)+len(n.unregPeers))
	for _, p := range n.peers {
		all = append(all, p)
	}
	for _, p := range n.unregPeers {
		all = append(all, p)
	}
	n.peerMu.Unlock()

	for _, p := range all {
		p.Close()
	}

	n.timers.Clear()
	n.ev("p2p: Stop: all connections closed")
}

// RunTimers drains the node's due timers: idle deadlines, heartbeats, and
// timed unbans. Called once a second by the worker's timer goroutine.
func (n *Node) RunTimers() {
	n.timers.Run()
}

// =============================================================================

// accept upgrades an inbound connection into an unregistered session.
func (n *Node) accept(w http.ResponseWriter, r *http.Request) {
	if n.stopped.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if n.connCount() >= int(n.cfg.MaxPassive) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.ev("p2p: accept: upgrade: ERROR: %s", err)
		return
	}

	p := n.newSession(conn, true)
	n.ev("p2p: accept: conn[%d] from %s", p.id, conn.RemoteAddr())
}

// Dial opens an outbound connection to a reserved score entry and starts the
// registration handshake.
func (n *Node) Dial(entry *peer.Score) error {
	url := fmt.Sprintf("ws://%s:%d/p2p", entry.Host, entry.Port)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		entry.Free()
		n.registry.SubScore(entry.Key(), peer.DialFailCost)
		return fmt.Errorf("dial %s: %w", entry.Key(), err)
	}

	p := n.newSession(conn, false)
	p.score = entry
	p.host = entry.Host
	p.port = entry.Port

	p.localKey = random32()
	p.state.Store(stateRegSent)
	p.Send(RegMsg{
		MsgType: MsgReg,
		MsgCmd:  RegReq,
		Host:    n.cfg.Host,
		Port:    n.cfg.Port,
		ID:      p.id,
		Key:     p.localKey,
		Version: n.cfg.Version,
	})

	n.ev("p2p: Dial: conn[%d] to %s", p.id, entry.Key())
	return nil
}

// newSession wires a websocket connection into an unregistered session with
// its idle deadline and read/write loops.
func (n *Node) newSession(conn *websocket.Conn, passive bool) *Peer {
	p := newPeer(n, conn, n.nextConnID.Add(1), passive)

	n.peerMu.Lock()
	n.unregPeers[p.id] = p
	n.peerMu.Unlock()

	p.timerID = n.timers.Add(unregIdleDeadline, true, func() {
		n.ev("p2p: idle deadline: closing conn[%d]", p.id)
		p.Close()
	})

	go p.writeLoop()
	go p.readLoop()

	return p
}

// =============================================================================

// Punish closes the peer, bans its address for the ban duration, and
// subtracts the punish cost from its score.
func (n *Node) Punish(p *Peer) {
	key := p.Key()
	n.ev("p2p: Punish: peer %s banned", key)

	p.Close()

	if _, exists := n.registry.Get(key); !exists {
		return
	}

	n.registry.Ban(key, n.clock.Now())
	n.timers.Add(peer.BanDuration, true, func() {
		n.registry.Unban(key)
		n.ev("p2p: unbanned peer %s", key)
	})
}

// Broadcast sends the value to every registered peer except the one to
// skip.
func (n *Node) Broadcast(v any, skip *Peer) {
	n.peerMu.Lock()
	targets := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		if p != skip {
			targets = append(targets, p)
		}
	}
	n.peerMu.Unlock()

	for _, p := range targets {
		p.Send(v)
	}
}

// RegisteredCount returns the number of fully registered peers.
func (n *Node) RegisteredCount() int {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	return len(n.peers)
}

// Registered returns a snapshot of the fully registered peers.
func (n *Node) Registered() []*Peer {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// connCount returns the number of connections in any state.
func (n *Node) connCount() int {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	return len(n.peers) + len(n.unregPeers)
}

// promote moves a session from the unregistered map to the registered map
// and marks its score entry connected.
func (n *Node) promote(p *Peer) {
	n.peerMu.Lock()
	delete(n.unregPeers, p.id)
	n.peers[p.id] = p
	n.peerMu.Unlock()

	n.timers.Reset(p.timerID)

	if p.score != nil {
		p.score.MarkConnected()
	}

	n.ev("p2p: registered peer %s on conn[%d]", p.Key(), p.id)
}

// drop removes a closed session from the maps and settles its score: every
// close costs one point and frees the address for a future dial.
func (n *Node) drop(p *Peer) {
	n.peerMu.Lock()
	delete(n.peers, p.id)
	delete(n.unregPeers, p.id)
	n.peerMu.Unlock()

	n.timers.Del(p.timerID)
	n.timers.Del(p.pingTimerID)

	key := p.Key()
	if key == "" {
		return
	}

	if entry, exists := n.registry.Get(key); exists {
		n.registry.SubScore(key, peer.CloseCost)
		entry.Free()
	}
}

// versionCompatible requires both sides to share a protocol major version.
func versionCompatible(a uint32, b uint32) bool {
	return a/10_000 == b/10_000
}

// random32 returns a random handshake key.
func random32() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
