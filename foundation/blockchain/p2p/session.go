package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Handshake states of a session.
const (
	stateFresh      int32 = 0 // Accepted or verify-dial connection, nothing seen.
	stateRegSent    int32 = 1 // Active side sent REG_REQ.
	stateRegAcked   int32 = 2 // Passive side sent REG_RSP and is dialing back.
	stateRegGotRsp  int32 = 3 // Active side holds REG_RSP, awaiting verify dial.
	stateVerifySent int32 = 4 // Verify dial-back sent REG_VERIFY_REQ.
)

// Inbound rate limit per connection. Sustained flooding just drops
// messages; scoring handles genuinely abusive peers.
const (
	msgRate  = 200
	msgBurst = 400
)

// sendBuffer bounds queued outbound messages per connection.
const sendBuffer = 256

// =============================================================================

// Peer is one connection in any state. Registered peers are handed to the
// chain layer inside Messages; unregistered peers only ever exchange
// handshake traffic.
type Peer struct {
	node    *Node
	conn    *websocket.Conn
	id      uint64
	passive bool

	// Handshake fields. The state crosses goroutines (the verify dial-back
	// advances it while another connection's read loop checks it).
	state     atomic.Int32
	localKey  uint32
	remoteKey uint32
	regConnID uint64

	// The address the peer announced (passive side) or was dialed at
	// (active side).
	host  string
	port  uint16
	score *peer.Score

	timerID     uint64
	pingTimerID uint64

	limiter *rate.Limiter
	sendCh  chan []byte
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newPeer(n *Node, conn *websocket.Conn, id uint64, passive bool) *Peer {
	return &Peer{
		node:    n,
		conn:    conn,
		id:      id,
		passive: passive,
		limiter: rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		sendCh:  make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Key returns the peer's announced host:port identity, or empty before the
// handshake revealed it.
func (p *Peer) Key() string {
	if p.host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.host, p.port)
}

// Send marshals the value and queues it for delivery. Messages to a closed
// or saturated connection are dropped.
func (p *Peer) Send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.node.ev("p2p: Send: marshal: ERROR: %s", err)
		return
	}
	p.SendRaw(raw)
}

// SendRaw queues pre-marshaled bytes for delivery.
func (p *Peer) SendRaw(raw []byte) {
	if p.closed.Load() {
		return
	}

	select {
	case p.sendCh <- raw:
	default:
		p.node.ev("p2p: SendRaw: conn[%d] send queue full, dropping", p.id)
	}
}

// Close tears the connection down once. The read loop unblocks with an
// error and settles the session with the node.
func (p *Peer) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.conn.Close()
	})
}

// Closed reports whether the connection was torn down.
func (p *Peer) Closed() bool {
	return p.closed.Load()
}

// =============================================================================

// writeLoop is the single writer for the websocket connection.
func (p *Peer) writeLoop() {
	for {
		select {
		case raw := <-p.sendCh:
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// readLoop pulls messages off the connection until it dies, then settles
// the session. The read limit rejects oversized messages before any parse.
func (p *Peer) readLoop() {
	defer func() {
		p.Close()
		p.node.drop(p)
	}()

	p.conn.SetReadLimit(MaxMessageLength)

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		if !p.limiter.Allow() {
			p.node.ev("p2p: readLoop: conn[%d] over rate limit, dropping message", p.id)
			continue
		}

		var hdr Header
		if err := json.Unmarshal(raw, &hdr); err != nil {
			p.node.ev("p2p: readLoop: conn[%d] bad json, closing", p.id)
			return
		}

		if !p.dispatch(hdr, raw) {
			return
		}
	}
}

// dispatch routes one message. It reports false when the connection must
// close.
func (p *Peer) dispatch(hdr Header, raw []byte) bool {
	n := p.node

	n.peerMu.Lock()
	_, registered := n.peers[p.id]
	n.peerMu.Unlock()

	if registered {
		if hdr.MsgType == MsgSys {
			return p.processSys(hdr)
		}

		if n.handler == nil {
			return true
		}
		n.handler.ProcessPeerMessage(Message{Type: hdr.MsgType, Cmd: hdr.MsgCmd, Raw: raw, Peer: p})
		return true
	}

	if hdr.MsgType != MsgReg {
		n.ev("p2p: dispatch: conn[%d] sent type %d before registering", p.id, hdr.MsgType)
		return false
	}

	var msg RegMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	if err := n.validate.Struct(msg); err != nil {
		return false
	}

	if !p.passive {
		switch hdr.MsgCmd {
		case RegRsp:
			return p.processRegRsp(msg)
		case RegVerifyRsp:
			return p.processRegVerifyRsp(msg)
		}
		return false
	}

	switch hdr.MsgCmd {
	case RegReq:
		return p.processRegReq(msg)
	case RegVerifyReq:
		return p.processRegVerifyReq(msg)
	}
	return false
}

// processSys handles heartbeats on a registered connection. Pings only flow
// from the dialing side, pongs only from the accepting side.
func (p *Peer) processSys(hdr Header) bool {
	n := p.node

	switch hdr.MsgCmd {
	case SysPing:
		if !p.passive {
			return false
		}
		p.Send(SysMsg{MsgType: MsgSys, MsgCmd: SysPong})
		n.timers.Reset(p.timerID)
		return true

	case SysPong:
		if p.passive {
			return false
		}
		n.timers.Reset(p.timerID)
		return true
	}

	return false
}

// processRegRsp moves the active side from REG_REQ-sent to verified-waiting.
func (p *Peer) processRegRsp(msg RegMsg) bool {
	n := p.node

	if p.state.Load() != stateRegSent {
		n.ev("p2p: REG_RSP on conn[%d] in state %d", p.id, p.state.Load())
		return false
	}

	if !versionCompatible(msg.Version, n.cfg.Version) {
		n.ev("p2p: REG_RSP version %d incompatible with %d, peer %s", msg.Version, n.cfg.Version, p.Key())
		return false
	}

	p.remoteKey = msg.Key
	p.regConnID = msg.ID
	p.state.Store(stateRegGotRsp)

	return true
}

// processRegReq runs on the passive side: acknowledge, reserve the address,
// and dial back to verify the peer really listens where it claims.
func (p *Peer) processRegReq(msg RegMsg) bool {
	n := p.node

	if p.state.Load() != stateFresh {
		n.ev("p2p: REG_REQ on conn[%d] in state %d", p.id, p.state.Load())
		return false
	}

	if msg.Host == "" || msg.Port == 0 {
		return false
	}

	if !versionCompatible(msg.Version, n.cfg.Version) {
		n.ev("p2p: REG_REQ version %d incompatible with %d, addr %s:%d", msg.Version, n.cfg.Version, msg.Host, msg.Port)
		return false
	}

	p.localKey = random32()
	p.remoteKey = msg.Key
	p.regConnID = msg.ID
	p.host = msg.Host
	p.port = msg.Port
	key := p.Key()

	if n.registry.Banned(key) {
		n.ev("p2p: REG_REQ from banned peer %s", key)
		return false
	}

	n.registry.Add(msg.Host, msg.Port)
	entry, exists := n.registry.Get(key)
	if !exists {
		return false
	}

	if !entry.Reserve() {
		n.ev("p2p: peer %s already connected, closing duplicate", key)
		return false
	}

	p.score = entry
	p.state.Store(stateRegAcked)
	p.Send(RegMsg{
		MsgType: MsgReg,
		MsgCmd:  RegRsp,
		ID:      p.id,
		Key:     p.localKey,
		Version: n.cfg.Version,
	})

	go p.dialVerify()

	return true
}

// dialVerify opens the second connection back at the announced address and
// sends REG_VERIFY_REQ carrying the peer's own key.
func (p *Peer) dialVerify() {
	n := p.node

	url := fmt.Sprintf("ws://%s/p2p", p.Key())
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		n.ev("p2p: dialVerify: %s unreachable: %s", p.Key(), err)
		p.Close()
		n.registry.SubScore(p.Key(), peer.VerifyFailCost)
		return
	}

	p.state.Store(stateVerifySent)

	q := n.newSession(conn, false)
	q.Send(RegMsg{
		MsgType: MsgReg,
		MsgCmd:  RegVerifyReq,
		ID:      p.regConnID,
		Key:     p.remoteKey,
	})
}

// processRegVerifyReq runs on the active side when the remote's dial-back
// lands. A matching key proves the remote controls the address it announced,
// so the first connection registers and starts the heartbeat.
func (p *Peer) processRegVerifyReq(msg RegMsg) bool {
	n := p.node

	if p.state.Load() != stateFresh {
		return false
	}

	n.peerMu.Lock()
	first, exists := n.unregPeers[msg.ID]
	n.peerMu.Unlock()

	if !exists {
		n.ev("p2p: REG_VERIFY_REQ for unknown conn[%d]", msg.ID)
		return false
	}

	if first.state.Load() != stateRegGotRsp {
		n.ev("p2p: REG_VERIFY_REQ for conn[%d] in state %d", msg.ID, first.state.Load())
		return false
	}

	if msg.Key != first.localKey {
		n.ev("p2p: REG_VERIFY_REQ key mismatch for conn[%d]", msg.ID)
		return false
	}

	n.promote(first)

	first.pingTimerID = n.timers.Add(pingInterval, false, func() {
		first.Send(SysMsg{MsgType: MsgSys, MsgCmd: SysPing})
	})

	p.Send(RegMsg{
		MsgType: MsgReg,
		MsgCmd:  RegVerifyRsp,
		ID:      first.regConnID,
		Key:     first.remoteKey,
	})

	return true
}

// processRegVerifyRsp runs on the passive side's verify connection and
// completes registration of the first connection.
func (p *Peer) processRegVerifyRsp(msg RegMsg) bool {
	n := p.node

	if p.state.Load() != stateFresh {
		return false
	}

	n.peerMu.Lock()
	first, exists := n.unregPeers[msg.ID]
	n.peerMu.Unlock()

	if !exists {
		n.ev("p2p: REG_VERIFY_RSP for unknown conn[%d]", msg.ID)
		return false
	}

	if first.state.Load() != stateVerifySent {
		n.ev("p2p: REG_VERIFY_RSP for conn[%d] in state %d", msg.ID, first.state.Load())
		return false
	}

	if msg.Key != first.localKey {
		n.ev("p2p: REG_VERIFY_RSP key mismatch for conn[%d]", msg.ID)
		return false
	}

	n.promote(first)

	// The verify connection did its job.
	return false
}
