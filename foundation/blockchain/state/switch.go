package state

import (
	"fmt"
	"math/rand"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
)

// switchChain starts the reorganization onto a more difficult anchored
// chain: the current branch is rolled back to the common ancestor and the
// first divergent block is requested in full.
func (s *State) switchChain(chain *PendingChain) {
	// Skip the prefix this node already holds; the first divergent block
	// starts the fetch.
	start := 0
	for start < len(chain.Blocks) && s.db.HasBlock(chain.Blocks[start].Hash) {
		start++
	}

	if start == len(chain.Blocks) {
		// Nothing to fetch after all; the chain no longer improves on what
		// committed meanwhile.
		s.removeBriefChain(chain)
		s.releaseChain(chain)
		return
	}

	ancestor, exists := s.db.GetBlock(chain.Blocks[start].PreHash)
	if !exists {
		// The anchor vanished, which the brief walk ruled out.
		s.removeBriefChain(chain)
		s.releaseChain(chain)
		return
	}

	s.ev("state: switchChain: reorg to %s, ancestor blk[%d], fetching from blk[%d]",
		chain.Peer.Key(), ancestor.ID, chain.Blocks[start].ID)

	if err := s.rewindTo(ancestor); err != nil {
		s.fatal(err)
		return
	}

	chain.Start = start
	chain.DetailAttached = true
	s.isSwitching = true
	s.detailRequest = &DetailRequest{
		OwnerChain: chain,
		Attached:   []*PendingChain{chain},
	}

	s.sendDetailReq()

	s.detailRequest.TimerID = s.timers.Add(requestRetryInterval, false, func() {
		s.retryDetail()
	})
}

// sendDetailReq asks the last attached peer for the block the switch waits
// on.
func (s *State) sendDetailReq() {
	req := s.detailRequest
	owner := req.OwnerChain
	hash := owner.Blocks[owner.Start].Hash

	req.Attached[len(req.Attached)-1].Peer.Send(p2p.BlockMsg{
		MsgType: p2p.MsgBlock,
		MsgCmd:  p2p.BlockDetailReq,
		Hash:    hash,
	})
	req.TryNum++
}

// retryDetail reshuffles the outstanding detail request to another attached
// peer, failing the whole switch once every peer had its chances.
func (s *State) retryDetail() {
	if !s.isSwitching {
		return
	}

	req := s.detailRequest

	if req.TryNum >= len(req.Attached)*2 {
		s.punishDetailReq()
		return
	}

	for len(req.Attached) > 0 {
		rand.Shuffle(len(req.Attached), func(i, j int) {
			req.Attached[i], req.Attached[j] = req.Attached[j], req.Attached[i]
		})

		if req.Attached[len(req.Attached)-1].Peer.Closed() {
			req.Attached = req.Attached[:len(req.Attached)-1]
			continue
		}

		s.sendDetailReq()
		return
	}

	s.punishDetailReq()
}

// punishDetailReq fails the in-flight switch: every attached chain is
// discarded, its peer punished, and the synchronizer returns to rest at the
// last committed state.
func (s *State) punishDetailReq() {
	req := s.detailRequest

	attached := make(map[*PendingChain]struct{}, len(req.Attached))
	for _, chain := range req.Attached {
		attached[chain] = struct{}{}
	}

	keep := s.briefChains[:0]
	for _, chain := range s.briefChains {
		if _, hit := attached[chain]; !hit {
			keep = append(keep, chain)
			continue
		}

		s.ev("state: punishDetailReq: peer[%s] hash[%s]", chain.Peer.Key(), req.OwnerChain.Blocks[req.OwnerChain.Start].Hash)
		s.punishChainPeer(chain)
	}
	s.briefChains = keep

	s.timers.Del(req.TimerID)
	s.detailRequest = nil
	s.isSwitching = false
}

// =============================================================================

// commitDetailBlock applies a fully validated detail block, persists it
// atomically with its parent's children list, and advances or finishes the
// switch.
func (s *State) commitDetailBlock(msg p2p.BlockMsg, block *database.Block, txs []database.Tx) {
	req := s.detailRequest

	if err := s.db.ApplyBlock(block, txs); err != nil {
		s.ev("state: commitDetailBlock: blk[%d] %s rejected: %s", block.ID, block.Hash, err)
		s.punishDetailReq()
		return
	}

	doc := database.BlockDoc{
		Hash:        block.Hash,
		Sign:        msg.Sign,
		Data:        msg.Data,
		Tx:          msg.Tx,
		Children:    []string{},
		MinerReward: block.MinerReward,
	}

	if err := s.strg.WriteBlock(doc, block.Parent.Hash); err != nil {
		s.fatal(err)
		return
	}

	s.mempool.OnBlockApplied(block)

	// The peer that supplied a successfully applied block earns score.
	supplier := req.Attached[len(req.Attached)-1].Peer
	if _, exists := s.registry.Get(supplier.Key()); exists {
		s.registry.AddScore(supplier.Key(), peer.SupplyReward)
	}

	owner := req.OwnerChain
	owner.Start++

	if owner.Start < len(owner.Blocks) {
		req.TryNum = 0
		s.sendDetailReq()
		s.timers.Reset(req.TimerID)
		return
	}

	s.finishSwitch()
}

// finishSwitch ends a completed reorganization and announces the new tip.
func (s *State) finishSwitch() {
	req := s.detailRequest

	for _, chain := range req.Attached {
		chain.DetailAttached = false
		s.removeBriefChain(chain)
		s.releaseChain(chain)
	}

	s.timers.Del(req.TimerID)
	s.detailRequest = nil
	s.isSwitching = false

	tip := s.db.LatestBlock()
	s.ev("state: finishSwitch: new tip blk[%d] %s", tip.ID, tip.Hash)

	s.broadcastBlock(tip, nil)

	// Another anchored candidate may already carry more work.
	s.doBriefChains()
}

// rewindTo moves the applied branch so the tip lands exactly on target:
// the current branch is reverted down to the common ancestor, then the
// target's branch is re-applied forward from storage. Reverted transactions
// are offered back to the mempool.
func (s *State) rewindTo(target *database.Block) error {
	tip := s.db.LatestBlock()

	common := commonAncestor(tip, target)

	var reverted []database.Tx
	for tip != common {
		txs, err := s.db.RevertBlock(tip)
		if err != nil {
			return err
		}
		reverted = append(reverted, txs...)
		tip = s.db.LatestBlock()
	}

	// Collect the forward path common -> target, oldest first.
	var forward []*database.Block
	for b := target; b != common; b = b.Parent {
		forward = append([]*database.Block{b}, forward...)
	}

	for _, b := range forward {
		doc, err := s.strg.GetBlockDoc(b.Hash)
		if err != nil {
			return err
		}
		if err := s.reapplyBlock(b, doc); err != nil {
			return err
		}
	}

	if err := s.strg.SetTip(target.Hash); err != nil {
		return err
	}

	s.mempool.OnBlockReverted(reverted)

	return nil
}

// reapplyBlock replays a block that is already live in memory from its
// stored document.
func (s *State) reapplyBlock(block *database.Block, doc database.BlockDoc) error {
	txs, err := parseStoredTxs(doc)
	if err != nil {
		return err
	}

	if err := s.db.ApplyBlock(block, txs); err != nil {
		return fmt.Errorf("%w: reapply %s: %s", storage.ErrIntegrity, block.Hash, err)
	}

	return nil
}

// commonAncestor returns the deepest block on both branches.
func commonAncestor(a *database.Block, b *database.Block) *database.Block {
	for a.ID > b.ID {
		a = a.Parent
	}
	for b.ID > a.ID {
		b = b.Parent
	}
	for a != b {
		a = a.Parent
		b = b.Parent
	}
	return a
}

// removeBriefChain drops a chain from the anchored candidate list.
func (s *State) removeBriefChain(chain *PendingChain) {
	for i, cur := range s.briefChains {
		if cur == chain {
			s.briefChains = append(s.briefChains[:i], s.briefChains[i+1:]...)
			return
		}
	}
}

// broadcastBlock re-broadcasts a committed block with its accumulated work
// vector so downstream peers can gate on difficulty before fetching.
func (s *State) broadcastBlock(block *database.Block, skip *p2p.Peer) {
	doc, err := s.strg.GetBlockDoc(block.Hash)
	if err != nil {
		s.fatal(err)
		return
	}

	s.node.Broadcast(p2p.NewBlockBroadcast(block.Hash, doc.Sign, doc.Data, block.Pow), skip)
}
