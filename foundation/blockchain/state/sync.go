package state

import (
	"math/rand"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/accum"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
)

// maxPendingBlocks bounds the header cache. The oldest insertion is evicted
// first.
const maxPendingBlocks = 1_000_000

// requestRetryInterval drives the round-robin retry of brief and detail
// requests.
const requestRetryInterval = time.Second

// =============================================================================

// PendingBlock is a received but unapplied block header: enough to link
// chains and score difficulty, nothing more.
type PendingBlock struct {
	ID       uint64
	UTC      uint64
	Version  uint32
	ZeroBits uint32
	Hash     string
	PreHash  string
}

// PendingChain is a fork candidate: a contiguous run of pending blocks whose
// newest block was announced by a specific peer. RemainPow starts at the
// declared total and shrinks as the chain extends backward; when the chain
// anchors, the leftover must equal the anchor's accumulated work.
type PendingChain struct {
	Peer        *p2p.Peer
	DeclaredPow accum.Pow
	RemainPow   accum.Pow
	Blocks      []*PendingBlock

	// Start indexes the first divergent block once a detail fetch walks
	// this chain.
	Start int

	BriefAttached  bool
	DetailAttached bool
}

// BriefRequest is one outstanding BLOCK_BRIEF_REQ, shared by every pending
// chain waiting on the same missing parent.
type BriefRequest struct {
	Hash     string
	Attached []*PendingChain
	TryNum   int
	TimerID  uint64
}

// DetailRequest is the single outstanding BLOCK_DETAIL_REQ while the node is
// switching to a more difficult fork.
type DetailRequest struct {
	OwnerChain *PendingChain
	Attached   []*PendingChain
	TryNum     int
	TimerID    uint64
}

// =============================================================================

// cachePendingBlock stores a header in the bounded cache, evicting by
// insertion order.
func (s *State) cachePendingBlock(pb *PendingBlock) {
	s.pendingBlocks[pb.Hash] = pb
	s.pendingOrder = append(s.pendingOrder, pb.Hash)

	if len(s.pendingOrder) > maxPendingBlocks {
		delete(s.pendingBlocks, s.pendingOrder[0])
		s.pendingOrder = s.pendingOrder[1:]
	}
}

// doBriefChains walks every unanchored chain backward by parent hash. A
// chain whose parent is known anchors and becomes a reorg candidate; a chain
// whose parent is cached keeps walking; otherwise a brief request goes out
// for the missing parent. Afterward the best anchored candidate, if any,
// triggers the switch.
func (s *State) doBriefChains() {
	most := s.db.MostDifficult()

	keep := s.pendingBriefChains[:0]

	for _, chain := range s.pendingBriefChains {
		if !chain.DeclaredPow.DifficultThan(most.Pow) {
			s.releaseChain(chain)
			continue
		}

		if s.walkChain(chain) {
			keep = append(keep, chain)
		}
	}
	s.pendingBriefChains = keep

	if s.isSwitching {
		return
	}

	var best *PendingChain
	liveChains := s.briefChains[:0]

	for _, chain := range s.briefChains {
		if !chain.DeclaredPow.DifficultThan(most.Pow) {
			s.releaseChain(chain)
			continue
		}

		liveChains = append(liveChains, chain)
		if best == nil || chain.DeclaredPow.DifficultThan(best.DeclaredPow) {
			best = chain
		}
	}
	s.briefChains = liveChains

	if best != nil {
		s.switchChain(best)
	}
}

// walkChain extends one pending chain backward. It reports whether the chain
// should stay in the unanchored list.
func (s *State) walkChain(chain *PendingChain) bool {
	for {
		pb := chain.Blocks[0]

		// Anchored: the parent is a live block.
		if pre, exists := s.db.GetBlock(pb.PreHash); exists {
			if pb.ID != pre.ID+1 {
				s.punishChainPeer(chain)
				return false
			}

			if !pre.Pow.DifficultEqual(chain.RemainPow) {
				s.punishChainPeer(chain)
				return false
			}

			s.briefChains = append(s.briefChains, chain)
			s.attachToDetail(chain)
			return false
		}

		// The genesis parent must always be known.
		if pb.ID <= 1 {
			s.punishChainPeer(chain)
			return false
		}

		// The parent header is already cached: consume it and keep walking.
		if prePB, exists := s.pendingBlocks[pb.PreHash]; exists {
			if pb.ID != prePB.ID+1 {
				s.punishChainPeer(chain)
				return false
			}

			if !chain.RemainPow.SubPow(prePB.ZeroBits) {
				s.punishChainPeer(chain)
				return false
			}

			chain.Blocks = append([]*PendingBlock{prePB}, chain.Blocks...)
			chain.BriefAttached = false
			continue
		}

		// The parent is unknown: ask the network for its header.
		s.requestBrief(chain, pb.PreHash, pb.ID-1)
		return true
	}
}

// attachToDetail joins a freshly anchored chain to the in-flight detail
// request when it covers the block currently being fetched, widening the
// retry fan-out.
func (s *State) attachToDetail(chain *PendingChain) {
	if !s.isSwitching {
		return
	}

	owner := s.detailRequest.OwnerChain
	want := owner.Blocks[owner.Start]

	startID := chain.Blocks[0].ID
	endID := chain.Blocks[len(chain.Blocks)-1].ID
	if want.ID < startID || want.ID > endID {
		return
	}

	idx := int(want.ID - startID)
	if chain.Blocks[idx].Hash != want.Hash {
		return
	}

	chain.Start = idx
	chain.DetailAttached = true
	s.detailRequest.Attached = append(s.detailRequest.Attached, chain)
}

// =============================================================================

// requestBrief issues or joins the BLOCK_BRIEF_REQ for a missing parent.
func (s *State) requestBrief(chain *PendingChain, hash string, id uint64) {
	req, exists := s.pendingBriefReqs[hash]

	if !exists {
		req = &BriefRequest{Hash: hash}
		s.pendingBriefReqs[hash] = req

		req.Attached = append(req.Attached, chain)
		chain.BriefAttached = true

		chain.Peer.Send(p2p.BlockMsg{MsgType: p2p.MsgBlock, MsgCmd: p2p.BlockBriefReq, Hash: hash})
		req.TryNum++
		s.ev("state: requestBrief: id[%d] hash[%s]", id, hash)

		req.TimerID = s.timers.Add(requestRetryInterval, false, func() {
			s.retryBrief(req)
		})

		return
	}

	if !chain.BriefAttached {
		req.Attached = append(req.Attached, chain)
		chain.BriefAttached = true
	}
}

// retryBrief reshuffles an unanswered brief request to another attached
// chain's peer. After two tries per attached chain, the request fails and
// every attached peer is punished.
func (s *State) retryBrief(req *BriefRequest) {
	if _, live := s.pendingBriefReqs[req.Hash]; !live {
		return
	}

	if req.TryNum >= len(req.Attached)*2 {
		s.punishBriefReq(req)
		return
	}

	for len(req.Attached) > 0 {
		rand.Shuffle(len(req.Attached), func(i, j int) {
			req.Attached[i], req.Attached[j] = req.Attached[j], req.Attached[i]
		})

		last := req.Attached[len(req.Attached)-1]
		if last.Peer.Closed() {
			req.Attached = req.Attached[:len(req.Attached)-1]
			continue
		}

		last.Peer.Send(p2p.BlockMsg{MsgType: p2p.MsgBlock, MsgCmd: p2p.BlockBriefReq, Hash: req.Hash})
		req.TryNum++
		return
	}

	s.punishBriefReq(req)
}

// punishBriefReq fails a brief request: every chain attached to it is
// discarded and its peer punished.
func (s *State) punishBriefReq(req *BriefRequest) {
	attached := make(map[*PendingChain]struct{}, len(req.Attached))
	for _, chain := range req.Attached {
		attached[chain] = struct{}{}
	}

	keep := s.pendingBriefChains[:0]
	for _, chain := range s.pendingBriefChains {
		if _, hit := attached[chain]; !hit {
			keep = append(keep, chain)
			continue
		}

		s.ev("state: punishBriefReq: peer[%s] hash[%s]", chain.Peer.Key(), req.Hash)
		s.punishChainPeer(chain)
	}
	s.pendingBriefChains = keep

	s.timers.Del(req.TimerID)
	delete(s.pendingBriefReqs, req.Hash)
}

// punishChainPeer punishes the peer behind a discarded chain and releases
// its announcement slot.
func (s *State) punishChainPeer(chain *PendingChain) {
	s.node.Punish(chain.Peer)
	delete(s.pendingPeerKeys, chain.Peer.Key())
}

// releaseChain drops a chain that lost the difficulty race without blaming
// its peer.
func (s *State) releaseChain(chain *PendingChain) {
	delete(s.pendingPeerKeys, chain.Peer.Key())
}
