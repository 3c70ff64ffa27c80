// Package state is the core API for the blockchain node. It owns the world
// state, the storage collaborator, the mempool, and the chain synchronizer,
// and serializes every chain mutation through a single logical worker queue.
package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/askcoin/askcoin/foundation/blockchain/mempool"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
	"github.com/askcoin/askcoin/foundation/blockchain/timer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
)

// chainQueueDepth bounds the number of peer messages and timer firings
// waiting for the chain goroutine. Excess messages are dropped; gossip
// redelivers.
const chainQueueDepth = 10_000

// =============================================================================

// EventHandler defines a function that is called when events occur in the
// processing of blocks and transactions.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for the chain goroutine, timers, dialing, and
// mining.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalCancelMining()
}

// Config represents the configuration required to start the node state.
type Config struct {
	Genesis   genesis.Genesis
	Storage   *storage.Storage
	Node      *p2p.Node
	Registry  *peer.Registry
	MinerKey  *btcec.PrivateKey
	Version   uint32
	Clock     clock.Clock
	EvHandler EventHandler

	// Fatal is invoked on an integrity fault. The process must not
	// continue; the default panics.
	Fatal func(err error)
}

// State manages the blockchain node.
type State struct {
	gen      genesis.Genesis
	db       *database.Database
	strg     *storage.Storage
	mempool  *mempool.Mempool
	node     *p2p.Node
	registry *peer.Registry
	minerKey *btcec.PrivateKey
	version  uint32
	clock    clock.Clock
	ev       EventHandler
	fatal    func(err error)

	// The chain queue serializes every mutation of the world state: peer
	// messages, timer callbacks, and mined-block commits all drain here.
	chainQ chan func()
	timers *timer.Controller

	// Chain synchronizer containers.
	pendingBlocks      map[string]*PendingBlock
	pendingOrder       []string
	pendingBriefChains []*PendingChain
	briefChains        []*PendingChain
	pendingBriefReqs   map[string]*BriefRequest
	detailRequest      *DetailRequest
	isSwitching        bool
	pendingPeerKeys    map[string]struct{}

	Worker Worker
}

// New constructs the node state, replaying the persisted chain into memory
// or writing the genesis block at first boot.
func New(cfg Config) (*State, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	fatal := cfg.Fatal
	if fatal == nil {
		fatal = func(err error) { panic(err) }
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	db, err := database.New(cfg.Genesis, ev)
	if err != nil {
		return nil, err
	}

	s := State{
		gen:      cfg.Genesis,
		db:       db,
		strg:     cfg.Storage,
		mempool:  mempool.New(db, ev),
		node:     cfg.Node,
		registry: cfg.Registry,
		minerKey: cfg.MinerKey,
		version:  cfg.Version,
		clock:    clk,
		ev:       ev,
		fatal:    fatal,

		chainQ: make(chan func(), chainQueueDepth),
		timers: timer.NewController(clk),

		pendingBlocks:    make(map[string]*PendingBlock),
		pendingBriefReqs: make(map[string]*BriefRequest),
		pendingPeerKeys:  make(map[string]struct{}),
	}

	if err := s.loadChain(); err != nil {
		return nil, err
	}

	if s.node != nil {
		s.node.SetHandler(&s)
	}

	return &s, nil
}

// Shutdown cleanly brings the node state down.
func (s *State) Shutdown() error {
	if s.Worker != nil {
		s.Worker.Shutdown()
	}
	return nil
}

// =============================================================================

// ProcessPeerMessage implements the p2p.Handler interface. It runs on a
// poller goroutine and must not block, so it only enqueues.
func (s *State) ProcessPeerMessage(msg p2p.Message) {
	select {
	case s.chainQ <- func() { s.handlePeerMessage(msg) }:
	default:
		s.ev("state: ProcessPeerMessage: chain queue full, dropping %d/%d from %s", msg.Type, msg.Cmd, msg.Peer.Key())
	}
}

// ChainQueue exposes the serialized work queue to the worker that drains it.
func (s *State) ChainQueue() <-chan func() {
	return s.chainQ
}

// EnqueueTick schedules a drain of the chain timers on the chain goroutine.
// The worker's timer goroutine calls this once a second.
func (s *State) EnqueueTick() {
	select {
	case s.chainQ <- func() { s.timers.Run() }:
	default:
	}
}

// Enqueue places arbitrary work on the chain goroutine. Used by the mining
// worker to commit a solved block under the chain's serialization.
func (s *State) Enqueue(work func()) {
	select {
	case s.chainQ <- work:
	default:
		s.ev("state: Enqueue: chain queue full, dropping work")
	}
}

// =============================================================================

// loadChain replays the persisted chain from the genesis block to the
// stored tip. At first boot it writes the genesis block instead.
func (s *State) loadChain() error {
	genBlock, genDoc, err := s.buildGenesis()
	if err != nil {
		return err
	}

	tip, exists, err := s.strg.Tip()
	if err != nil {
		return err
	}

	if !exists {
		if err := s.strg.WriteGenesis(genDoc); err != nil {
			return err
		}
		s.db.LinkGenesis(genBlock)
		s.ev("state: loadChain: genesis written: %s", genBlock.Hash)
		return nil
	}

	s.db.LinkGenesis(genBlock)

	// Walk the tip back to the genesis block, then apply forward.
	var docs []database.BlockDoc
	for hash := tip; hash != genBlock.Hash; {
		doc, err := s.strg.GetBlockDoc(hash)
		if err != nil {
			return fmt.Errorf("load chain at %s: %w", hash, err)
		}

		var data database.BlockData
		if err := json.Unmarshal(doc.Data, &data); err != nil {
			return fmt.Errorf("%w: stored data %s: %s", storage.ErrIntegrity, hash, err)
		}

		docs = append(docs, doc)
		hash = data.PreHash

		if data.ID == 0 {
			return fmt.Errorf("%w: tip chain reached id 0 before genesis", storage.ErrIntegrity)
		}
	}

	for i := len(docs) - 1; i >= 0; i-- {
		if err := s.applyStoredDoc(docs[i]); err != nil {
			return err
		}
	}

	latest := s.db.LatestBlock()
	s.ev("state: loadChain: replayed %d blocks, tip[%d] %s", len(docs), latest.ID, latest.Hash)

	return nil
}

// applyStoredDoc replays one persisted block into the world state.
func (s *State) applyStoredDoc(doc database.BlockDoc) error {
	var data database.BlockData
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return fmt.Errorf("%w: stored data %s: %s", storage.ErrIntegrity, doc.Hash, err)
	}

	parent, exists := s.db.GetBlock(data.PreHash)
	if !exists {
		return fmt.Errorf("%w: stored block %s has unknown parent %s", storage.ErrIntegrity, doc.Hash, data.PreHash)
	}

	if !signature.Verify(data.Miner, doc.Hash, doc.Sign) {
		return fmt.Errorf("%w: stored block %s has a bad signature", storage.ErrIntegrity, doc.Hash)
	}

	miner, exists := s.db.GetAccount(data.Miner)
	if !exists {
		return fmt.Errorf("%w: stored block %s mined by unknown account", storage.ErrIntegrity, doc.Hash)
	}

	block, err := database.NewBlock(data.ID, data.UTC, data.Version, data.ZeroBits, doc.Hash, parent, miner)
	if err != nil {
		return err
	}

	txs, err := parseStoredTxs(doc)
	if err != nil {
		return err
	}

	if err := s.db.ApplyBlock(block, txs); err != nil {
		return fmt.Errorf("%w: replay %s: %s", storage.ErrIntegrity, doc.Hash, err)
	}

	if block.MinerReward != doc.MinerReward {
		return fmt.Errorf("%w: replay %s: subsidy flag mismatch", storage.ErrIntegrity, doc.Hash)
	}

	return nil
}

// parseStoredTxs re-parses the {"sign","data"} envelopes persisted with a
// block.
func parseStoredTxs(doc database.BlockDoc) ([]database.Tx, error) {
	txs := make([]database.Tx, 0, len(doc.Tx))

	for i, rawTx := range doc.Tx {
		var env struct {
			Sign string          `json:"sign"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(rawTx, &env); err != nil {
			return nil, fmt.Errorf("%w: stored tx %d of %s: %s", storage.ErrIntegrity, i, doc.Hash, err)
		}

		tx, err := database.ParseTx(env.Data, env.Sign)
		if err != nil {
			return nil, fmt.Errorf("%w: stored tx %d of %s: %s", storage.ErrIntegrity, i, doc.Hash, err)
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// buildGenesis derives the genesis block and its storage document from the
// genesis file.
func (s *State) buildGenesis() (*database.Block, database.BlockDoc, error) {
	data := database.BlockData{
		ID:       0,
		UTC:      uint64(s.gen.Date.Unix()),
		Version:  s.gen.Version,
		ZeroBits: s.gen.ZeroBits,
		PreHash:  signature.ZeroHash,
		Miner:    s.gen.RootPubkey,
		TxIDs:    []string{},
	}

	raw, err := data.Marshal()
	if err != nil {
		return nil, database.BlockDoc{}, err
	}
	hash := signature.Hash(raw)

	root, exists := s.db.GetAccount(s.gen.RootPubkey)
	if !exists {
		return nil, database.BlockDoc{}, errors.New("genesis root account missing")
	}

	block, err := database.NewBlock(0, data.UTC, data.Version, data.ZeroBits, hash, nil, root)
	if err != nil {
		return nil, database.BlockDoc{}, err
	}

	doc := database.BlockDoc{
		Hash:     hash,
		Data:     raw,
		Tx:       []json.RawMessage{},
		Children: []string{},
	}

	return block, doc, nil
}
