// Package database manages the in-memory world state of the chain: accounts,
// topics with their reward pools, replies, live blocks, and the transaction
// duplicate map. All writes happen on the single chain goroutine; a read lock
// protects the snapshot accessors used by the client API.
package database

import (
	"fmt"
	"sync"

	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/google/btree"
)

// topicLifetime is the number of blocks a topic stays open. Once the chain
// moves past it, the unclaimed reward pool returns to the reserve fund.
const topicLifetime = 4320

// richDegree is the branching factor of the rich-list btree.
const richDegree = 16

// =============================================================================

// Database manages the world state.
type Database struct {
	mu sync.RWMutex

	genesis genesis.Genesis

	accountsByID     map[uint64]*Account
	accountsByName   map[string]*Account
	accountsByPubkey map[string]*Account
	accountsByRich   *btree.BTree

	topics    map[string]*Topic
	topicList []*Topic

	txMap   map[string]*Block
	txOrder []*Block

	blocks        map[string]*Block
	latestBlock   *Block
	mostDifficult *Block

	reserveFund *Account
	curAccount  uint64

	evHandler func(v string, args ...any)
}

// New constructs the world state from the genesis document. The genesis
// block itself is linked by the caller once it is built or loaded.
func New(gen genesis.Genesis, evHandler func(v string, args ...any)) (*Database, error) {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	db := Database{
		genesis:          gen,
		accountsByID:     make(map[uint64]*Account),
		accountsByName:   make(map[string]*Account),
		accountsByPubkey: make(map[string]*Account),
		accountsByRich:   btree.New(richDegree),
		topics:           make(map[string]*Topic),
		txMap:            make(map[string]*Block),
		blocks:           make(map[string]*Block),
		evHandler:        ev,
	}

	// The reserve fund exists before any block and has no key pair. It is
	// addressed only by id.
	reserve := newAccount(ReserveFundID, "", 0, "", nil)
	reserve.Balance = gen.ReserveFund
	db.accountsByID[ReserveFundID] = reserve
	db.reserveFund = reserve

	if !ValidName(gen.RootName) {
		return nil, fmt.Errorf("genesis root name %q invalid", gen.RootName)
	}

	root := newAccount(1, gen.RootName, gen.RootAvatar, gen.RootPubkey, nil)
	root.Balance = gen.RootBalance
	db.accountsByID[1] = root
	db.accountsByName[root.Name] = root
	db.accountsByPubkey[root.Pubkey] = root
	db.accountsByRich.ReplaceOrInsert(richItem{account: root, balance: root.Balance})
	db.curAccount = 1

	return &db, nil
}

// =============================================================================

// GetAccount returns the account registered under the public key.
func (db *Database) GetAccount(pubkey string) (*Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	account, exists := db.accountsByPubkey[pubkey]
	return account, exists
}

// GetAccountByName returns the account holding the specified name.
func (db *Database) GetAccountByName(name string) (*Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	account, exists := db.accountsByName[name]
	return account, exists
}

// GetAccountByID returns the account with the specified id.
func (db *Database) GetAccountByID(id uint64) (*Account, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	account, exists := db.accountsByID[id]
	return account, exists
}

// AccountNameExists reports whether any live account holds the name.
func (db *Database) AccountNameExists(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, exists := db.accountsByName[name]
	return exists
}

// ReserveFund returns the reserve-fund account.
func (db *Database) ReserveFund() *Account {
	return db.reserveFund
}

// GetTopic returns the topic with the specified key.
func (db *Database) GetTopic(key string) (*Topic, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	topic, exists := db.topics[key]
	return topic, exists
}

// TopicCount returns the number of open topics.
func (db *Database) TopicCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return len(db.topics)
}

// Topics returns the open topics in creation order.
func (db *Database) Topics() []*Topic {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*Topic, len(db.topicList))
	copy(out, db.topicList)
	return out
}

// RichList returns up to max accounts ordered by balance descending.
func (db *Database) RichList(max int) []*Account {
	db.mu.RLock()
	defer db.mu.RUnlock()

	accounts := make([]*Account, 0, max)
	db.accountsByRich.Ascend(func(item btree.Item) bool {
		accounts = append(accounts, item.(richItem).account)
		return len(accounts) < max
	})

	return accounts
}

// GetBlock returns the live block with the specified hash.
func (db *Database) GetBlock(hash string) (*Block, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	block, exists := db.blocks[hash]
	return block, exists
}

// HasBlock reports whether a live block with the specified hash exists.
func (db *Database) HasBlock(hash string) bool {
	_, exists := db.GetBlock(hash)
	return exists
}

// TxKnown reports whether the transaction id was applied within the
// duplicate window.
func (db *Database) TxKnown(txID string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, exists := db.txMap[txID]
	return exists
}

// LatestBlock returns the current tip.
func (db *Database) LatestBlock() *Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.latestBlock
}

// MostDifficult returns the block carrying the most accumulated work seen so
// far. It equals the tip except transiently during a reorganization.
func (db *Database) MostDifficult() *Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.mostDifficult
}

// Genesis returns the genesis document the state was seeded from.
func (db *Database) Genesis() genesis.Genesis {
	return db.genesis
}

// =============================================================================

// LinkGenesis installs the genesis block as the initial tip.
func (db *Database) LinkGenesis(block *Block) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.blocks[block.Hash] = block
	db.latestBlock = block
	db.mostDifficult = block
}

// TotalCoin sums every account balance (reserve fund included) and every
// open topic pool. Reply balances mirror coin already banked by reply owners
// and are not counted. The result is constant across valid block
// application.
func (db *Database) TotalCoin() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var total uint64
	for _, account := range db.accountsByID {
		total += account.Balance
	}
	for _, topic := range db.topics {
		total += topic.Balance
	}

	return total
}

// =============================================================================

// addBalance credits an account and repositions it in the rich list. The
// reserve fund never appears in the rich list.
func (db *Database) addBalance(account *Account, value uint64) {
	if account.ID == ReserveFundID {
		account.Balance += value
		return
	}

	db.accountsByRich.Delete(richItem{account: account, balance: account.Balance})
	account.Balance += value
	db.accountsByRich.ReplaceOrInsert(richItem{account: account, balance: account.Balance})
}

// subBalance debits an account and repositions it in the rich list. The
// caller has already checked the balance.
func (db *Database) subBalance(account *Account, value uint64) {
	if account.ID == ReserveFundID {
		account.Balance -= value
		return
	}

	db.accountsByRich.Delete(richItem{account: account, balance: account.Balance})
	account.Balance -= value
	db.accountsByRich.ReplaceOrInsert(richItem{account: account, balance: account.Balance})
}
