package state

import (
	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
)

// These accessors serve the client API surface with read-only snapshots.
// They never mutate chain state.

// LatestBlock returns the current tip.
func (s *State) LatestBlock() *database.Block {
	return s.db.LatestBlock()
}

// Genesis returns the genesis document the node was seeded from.
func (s *State) Genesis() genesis.Genesis {
	return s.gen
}

// AccountByName returns the live account holding the base64 name.
func (s *State) AccountByName(name string) (*database.Account, bool) {
	return s.db.GetAccountByName(name)
}

// AccountByPubkey returns the live account registered under the key.
func (s *State) AccountByPubkey(pubkey string) (*database.Account, bool) {
	return s.db.GetAccount(pubkey)
}

// RichList returns up to max accounts by balance descending.
func (s *State) RichList(max int) []*database.Account {
	return s.db.RichList(max)
}

// Topics returns the open topics in creation order.
func (s *State) Topics() []*database.Topic {
	return s.db.Topics()
}

// Topic returns one topic by key.
func (s *State) Topic(key string) (*database.Topic, bool) {
	return s.db.GetTopic(key)
}

// MempoolCounts returns the sizes of the verified and deferred queues.
func (s *State) MempoolCounts() (int, int) {
	return s.mempool.Count()
}

// TotalCoin returns the sum of every account balance (reserve fund included)
// and every topic pool in the world state.
func (s *State) TotalCoin() uint64 {
	return s.db.TotalCoin()
}

// IsSwitching reports whether a reorganization is in flight.
func (s *State) IsSwitching() bool {
	return s.isSwitching
}

// RegisteredPeerCount returns the number of fully registered peers.
func (s *State) RegisteredPeerCount() int {
	if s.node == nil {
		return 0
	}
	return s.node.RegisteredCount()
}
