package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/accum"
	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
	"github.com/syndtr/goleveldb/leveldb"
)

// maxFutureSkew is how far ahead of local time a block may claim to be
// before a warning is logged. The block still waits for its timestamp.
const maxFutureSkew = 3600

// errProtocol marks a malformed or impossible message; the sender is
// punished. Everything else is a logical rejection and only dropped.
var errProtocol = errors.New("protocol violation")

// =============================================================================

// handlePeerMessage routes one registered-peer message on the chain
// goroutine. No two messages are ever validated concurrently.
func (s *State) handlePeerMessage(msg p2p.Message) {
	switch msg.Type {
	case p2p.MsgBlock:
		s.handleBlockMessage(msg)

	case p2p.MsgTx:
		if msg.Cmd == p2p.TxBroadcast {
			s.handleTxBroadcast(msg.Peer, msg.Raw)
			return
		}
		s.node.Punish(msg.Peer)

	case p2p.MsgProbe:
		// Probe subcommands are optional and ignored.

	default:
		s.node.Punish(msg.Peer)
	}
}

func (s *State) handleBlockMessage(msg p2p.Message) {
	var bm p2p.BlockMsg
	if err := json.Unmarshal(msg.Raw, &bm); err != nil {
		s.node.Punish(msg.Peer)
		return
	}

	switch msg.Cmd {
	case p2p.BlockBroadcast:
		s.handleBlockBroadcast(msg.Peer, bm)
	case p2p.BlockBriefReq:
		s.handleBriefReq(msg.Peer, bm)
	case p2p.BlockBriefRsp:
		s.handleBriefRsp(msg.Peer, bm)
	case p2p.BlockDetailReq:
		s.handleDetailReq(msg.Peer, bm)
	case p2p.BlockDetailRsp:
		s.handleDetailRsp(msg.Peer, bm)
	default:
		s.node.Punish(msg.Peer)
	}
}

// =============================================================================

// validateBlockEnvelope checks the hash/sign/data triple every block message
// shares: lengths, alphabet, and that the hash really is the double SHA-256
// of the data bytes.
func validateBlockEnvelope(bm p2p.BlockMsg) error {
	if len(bm.Hash) != signature.HashB64Len || !signature.IsBase64(bm.Hash) {
		return fmt.Errorf("%w: bad hash", errProtocol)
	}
	if bm.Sign == "" || !signature.IsBase64(bm.Sign) {
		return fmt.Errorf("%w: bad sign", errProtocol)
	}
	if len(bm.Data) == 0 {
		return fmt.Errorf("%w: missing data", errProtocol)
	}
	if signature.Hash(bm.Data) != bm.Hash {
		return fmt.Errorf("%w: hash doesn't cover data", errProtocol)
	}
	return nil
}

// validateBlockData checks the decoded header fields.
func validateBlockData(data database.BlockData) error {
	if data.ID == 0 {
		return errors.New("id 0")
	}
	if data.ZeroBits == 0 || data.ZeroBits > 256 {
		return fmt.Errorf("zero_bits %d out of range", data.ZeroBits)
	}
	if len(data.PreHash) != signature.HashB64Len || !signature.IsBase64(data.PreHash) {
		return errors.New("bad pre_hash")
	}
	if len(data.Miner) != signature.PubkeyB64Len || !signature.IsBase64(data.Miner) {
		return errors.New("bad miner")
	}
	if len(data.TxIDs) > database.MaxBlockTxs {
		return fmt.Errorf("%d tx ids", len(data.TxIDs))
	}
	for _, txID := range data.TxIDs {
		if len(txID) != signature.HashB64Len || !signature.IsBase64(txID) {
			return errors.New("bad tx id")
		}
	}
	return nil
}

// =============================================================================

// handleBlockBroadcast admits an announced block as a new pending chain,
// provided its declared work beats everything known and its header carries a
// valid signature and proof of work.
func (s *State) handleBlockBroadcast(from *p2p.Peer, bm p2p.BlockMsg) {
	// One pending chain per peer at a time.
	if _, pending := s.pendingPeerKeys[from.Key()]; pending {
		return
	}

	if err := validateBlockEnvelope(bm); err != nil {
		s.node.Punish(from)
		return
	}

	if s.db.HasBlock(bm.Hash) {
		return
	}

	if len(bm.Pow) != accum.Words {
		s.node.Punish(from)
		return
	}
	var wire [accum.Words]uint32
	copy(wire[:], bm.Pow)
	declared := accum.FromWire(wire)

	if !declared.DifficultThan(s.db.MostDifficult().Pow) {
		return
	}

	var data database.BlockData
	if err := json.Unmarshal(bm.Data, &data); err != nil {
		s.node.Punish(from)
		return
	}
	if err := validateBlockData(data); err != nil {
		s.node.Punish(from)
		return
	}

	if !signature.Verify(data.Miner, bm.Hash, bm.Sign) {
		s.node.Punish(from)
		return
	}
	if !signature.HashSolved(bm.Hash, data.ZeroBits) {
		s.node.Punish(from)
		return
	}

	pb, cached := s.pendingBlocks[bm.Hash]
	if !cached {
		pb = &PendingBlock{
			ID:       data.ID,
			UTC:      data.UTC,
			Version:  data.Version,
			ZeroBits: data.ZeroBits,
			Hash:     bm.Hash,
			PreHash:  data.PreHash,
		}
	}

	chain := &PendingChain{
		Peer:        from,
		DeclaredPow: declared,
		RemainPow:   declared,
		Blocks:      []*PendingBlock{pb},
	}

	if !chain.RemainPow.SubPow(pb.ZeroBits) {
		s.node.Punish(from)
		return
	}

	if !cached {
		// A brief request for this header is now moot.
		if req, exists := s.pendingBriefReqs[bm.Hash]; exists {
			s.timers.Del(req.TimerID)
			delete(s.pendingBriefReqs, bm.Hash)
		}

		s.cachePendingBlock(pb)
	}

	s.pendingPeerKeys[from.Key()] = struct{}{}

	now := uint64(s.clock.Now().Unix())
	if pb.UTC > now {
		diff := pb.UTC - now
		if diff > maxFutureSkew {
			s.ev("state: handleBlockBroadcast: block %s claims %ds in the future, peer %s", bm.Hash, diff, from.Key())
		}

		s.timers.Add(secondsDuration(diff), true, func() {
			s.pendingBriefChains = append(s.pendingBriefChains, chain)
			s.doBriefChains()
		})
		return
	}

	s.pendingBriefChains = append(s.pendingBriefChains, chain)
	s.doBriefChains()
}

// =============================================================================

// handleBriefReq serves a stored header. Unknown hashes are silently
// ignored; a peer asking for what we never had isn't hostile.
func (s *State) handleBriefReq(from *p2p.Peer, bm p2p.BlockMsg) {
	if len(bm.Hash) != signature.HashB64Len || !signature.IsBase64(bm.Hash) {
		s.node.Punish(from)
		return
	}

	if !s.db.HasBlock(bm.Hash) {
		return
	}

	doc, err := s.loadVerifiedDoc(bm.Hash)
	if err != nil {
		s.fatal(err)
		return
	}

	from.Send(p2p.BlockMsg{
		MsgType: p2p.MsgBlock,
		MsgCmd:  p2p.BlockBriefRsp,
		Hash:    doc.Hash,
		Sign:    doc.Sign,
		Data:    doc.Data,
	})
}

// handleDetailReq serves a stored block with its transactions. The tx list
// comes from the freshly parsed stored document.
func (s *State) handleDetailReq(from *p2p.Peer, bm p2p.BlockMsg) {
	if len(bm.Hash) != signature.HashB64Len || !signature.IsBase64(bm.Hash) {
		s.node.Punish(from)
		return
	}

	if !s.db.HasBlock(bm.Hash) {
		return
	}

	doc, err := s.loadVerifiedDoc(bm.Hash)
	if err != nil {
		s.fatal(err)
		return
	}

	tx := doc.Tx
	if tx == nil {
		tx = []json.RawMessage{}
	}

	from.Send(p2p.BlockMsg{
		MsgType: p2p.MsgBlock,
		MsgCmd:  p2p.BlockDetailRsp,
		Hash:    doc.Hash,
		Sign:    doc.Sign,
		Data:    doc.Data,
		Tx:      tx,
	})
}

// loadVerifiedDoc reads a stored block and re-verifies its signature. Our
// own storage failing these checks is an integrity fault, not a peer
// problem.
func (s *State) loadVerifiedDoc(hash string) (database.BlockDoc, error) {
	doc, err := s.strg.GetBlockDoc(hash)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.BlockDoc{}, fmt.Errorf("%w: live block %s missing from storage", storage.ErrIntegrity, hash)
		}
		return database.BlockDoc{}, err
	}

	var data database.BlockData
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return database.BlockDoc{}, fmt.Errorf("%w: stored data %s: %s", storage.ErrIntegrity, hash, err)
	}

	if data.ID != 0 && !signature.Verify(data.Miner, doc.Hash, doc.Sign) {
		return database.BlockDoc{}, fmt.Errorf("%w: stored block %s has a bad signature", storage.ErrIntegrity, hash)
	}

	return doc, nil
}

// =============================================================================

// handleBriefRsp resolves an outstanding brief request with the missing
// header.
func (s *State) handleBriefRsp(from *p2p.Peer, bm p2p.BlockMsg) {
	if err := validateBlockEnvelope(bm); err != nil {
		s.node.Punish(from)
		return
	}

	if s.db.HasBlock(bm.Hash) {
		return
	}
	if _, cached := s.pendingBlocks[bm.Hash]; cached {
		return
	}

	req, wanted := s.pendingBriefReqs[bm.Hash]
	if !wanted {
		return
	}

	var data database.BlockData
	if err := json.Unmarshal(bm.Data, &data); err != nil {
		s.punishBriefReq(req)
		return
	}
	if err := validateBlockData(data); err != nil {
		s.punishBriefReq(req)
		return
	}

	if !signature.Verify(data.Miner, bm.Hash, bm.Sign) {
		s.node.Punish(from)
		return
	}
	if !signature.HashSolved(bm.Hash, data.ZeroBits) {
		s.punishBriefReq(req)
		return
	}

	s.cachePendingBlock(&PendingBlock{
		ID:       data.ID,
		UTC:      data.UTC,
		Version:  data.Version,
		ZeroBits: data.ZeroBits,
		Hash:     bm.Hash,
		PreHash:  data.PreHash,
	})

	s.timers.Del(req.TimerID)
	delete(s.pendingBriefReqs, bm.Hash)

	s.doBriefChains()
}

// handleDetailRsp validates a full block against the switch in progress and
// commits it.
func (s *State) handleDetailRsp(from *p2p.Peer, bm p2p.BlockMsg) {
	if err := validateBlockEnvelope(bm); err != nil {
		s.node.Punish(from)
		return
	}

	if s.db.HasBlock(bm.Hash) {
		return
	}
	if !s.isSwitching {
		return
	}

	req := s.detailRequest
	owner := req.OwnerChain
	if bm.Hash != owner.Blocks[owner.Start].Hash {
		return
	}

	var data database.BlockData
	if err := json.Unmarshal(bm.Data, &data); err != nil {
		s.punishDetailReq()
		return
	}
	if err := validateBlockData(data); err != nil {
		s.punishDetailReq()
		return
	}

	if !versionCompatibleWire(data.Version, s.version) {
		s.ev("state: handleDetailRsp: version %d incompatible with %d", data.Version, s.version)
		s.punishDetailReq()
		return
	}

	parent, exists := s.db.GetBlock(data.PreHash)
	if !exists {
		s.punishDetailReq()
		return
	}

	if data.ID != parent.ID+1 {
		s.punishDetailReq()
		return
	}

	if data.ZeroBits != parent.NextZeroBits() {
		s.punishDetailReq()
		return
	}

	if data.UTC < parent.UTC {
		s.punishDetailReq()
		return
	}

	now := uint64(s.clock.Now().Unix())
	if data.UTC > now {
		s.ev("state: handleDetailRsp: blk[%d] %s is in the future, check the system clock", data.ID, bm.Hash)
		return
	}

	miner, exists := s.db.GetAccount(data.Miner)
	if !exists {
		s.punishDetailReq()
		return
	}

	if !signature.Verify(data.Miner, bm.Hash, bm.Sign) {
		s.node.Punish(from)
		return
	}
	if !signature.HashSolved(bm.Hash, data.ZeroBits) {
		s.punishDetailReq()
		return
	}

	txs, ok := s.validateDetailTxs(data, bm)
	if !ok {
		return
	}

	block, err := database.NewBlock(data.ID, data.UTC, data.Version, data.ZeroBits, bm.Hash, parent, miner)
	if err != nil {
		// Work beyond 2^288 can't happen on a real chain.
		s.fatal(err)
		return
	}

	s.commitDetailBlock(bm, block, txs)
}

// validateDetailTxs cross-checks the transaction list against the header's
// tx_ids and runs every structural and signature check. A failure fails the
// current detail request.
func (s *State) validateDetailTxs(data database.BlockData, bm p2p.BlockMsg) ([]database.Tx, bool) {
	if len(bm.Tx) != len(data.TxIDs) {
		s.punishDetailReq()
		return nil, false
	}

	txs := make([]database.Tx, 0, len(bm.Tx))

	for i, rawTx := range bm.Tx {
		if s.db.TxKnown(data.TxIDs[i]) {
			s.punishDetailReq()
			return nil, false
		}

		var env struct {
			Sign string          `json:"sign"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(rawTx, &env); err != nil {
			s.punishDetailReq()
			return nil, false
		}

		tx, err := database.ParseTx(env.Data, env.Sign)
		if err != nil {
			s.punishDetailReq()
			return nil, false
		}

		if tx.ID != data.TxIDs[i] {
			s.punishDetailReq()
			return nil, false
		}

		if !database.VerifyTxSign(tx) {
			s.punishDetailReq()
			return nil, false
		}

		txs = append(txs, tx)
	}

	return txs, true
}

// =============================================================================

// handleTxBroadcast admits a gossiped transaction into the mempool and
// relays it exactly once.
func (s *State) handleTxBroadcast(from *p2p.Peer, raw []byte) {
	var tm p2p.TxMsg
	if err := json.Unmarshal(raw, &tm); err != nil {
		s.node.Punish(from)
		return
	}

	if len(tm.Data) == 0 || tm.Sign == "" {
		s.node.Punish(from)
		return
	}

	tx, err := database.ParseTx(tm.Data, tm.Sign)
	if err != nil {
		s.node.Punish(from)
		return
	}

	if !database.VerifyTxSign(tx) {
		s.node.Punish(from)
		return
	}

	// Stale or far-future anchors are dropped without blame; the author may
	// just be behind.
	if !tx.InBlockWindow(s.db.LatestBlock().ID) {
		return
	}

	status, rebroadcast := s.mempool.AddTx(tx)
	s.ev("state: handleTxBroadcast: tx[%s] status %d", tx.ID, status)

	if rebroadcast {
		s.node.Broadcast(p2p.TxMsg{MsgType: p2p.MsgTx, MsgCmd: p2p.TxBroadcast, Sign: tm.Sign, Data: tm.Data}, from)
	}
}

// =============================================================================

func versionCompatibleWire(a uint32, b uint32) bool {
	return a/10_000 == b/10_000
}

func secondsDuration(secs uint64) time.Duration {
	return time.Duration(secs) * time.Second
}
