package state

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
)

// ErrNoMinerKey is returned when mining is requested on a node configured
// without a miner key.
var ErrNoMinerKey = errors.New("no miner key configured")

// MineBlock assembles the next block from the verified mempool, performs the
// proof-of-work search, and commits the solved block under the chain
// goroutine. It returns when the block committed, the context was canceled,
// or the tip moved underneath the search.
func (s *State) MineBlock(ctx context.Context) error {
	if s.minerKey == nil {
		return ErrNoMinerKey
	}

	minerPubkey := signature.EncodePubkey(s.minerKey.PubKey())
	if _, exists := s.db.GetAccount(minerPubkey); !exists {
		return fmt.Errorf("miner account %s not registered", minerPubkey)
	}

	parent := s.db.LatestBlock()
	txs := s.mempool.Verified(database.MaxBlockTxs)

	txIDs := make([]string, 0, len(txs))
	for _, tx := range txs {
		txIDs = append(txIDs, tx.ID)
	}

	utc := uint64(s.clock.Now().Unix())
	if utc < parent.UTC {
		utc = parent.UTC
	}

	data := database.BlockData{
		ID:       parent.ID + 1,
		UTC:      utc,
		Version:  s.version,
		ZeroBits: parent.NextZeroBits(),
		PreHash:  parent.Hash,
		Miner:    minerPubkey,
		TxIDs:    txIDs,
	}

	// Start the nonce at a random point so competing miners don't walk the
	// same search path.
	var seed [8]byte
	rand.Read(seed[:])
	data.Nonce[0] = binary.BigEndian.Uint64(seed[:])

	s.ev("state: MineBlock: MINING: started: blk[%d] zero_bits[%d] txs[%d]", data.ID, data.ZeroBits, len(txs))

	var attempts uint64
	var raw []byte
	var hash string

	for {
		attempts++
		if attempts%1_000_000 == 0 {
			s.ev("state: MineBlock: MINING: attempts[%d]", attempts)
		}

		if ctx.Err() != nil {
			s.ev("state: MineBlock: MINING: CANCELLED")
			return ctx.Err()
		}

		// Another block may have won while we searched.
		if s.db.LatestBlock() != parent {
			return errors.New("tip moved during mining")
		}

		var err error
		raw, err = data.Marshal()
		if err != nil {
			return err
		}

		hash = signature.Hash(raw)
		if signature.HashSolved(hash, data.ZeroBits) {
			break
		}

		data.Nonce[0]++
	}

	s.ev("state: MineBlock: MINING: SOLVED: blk[%d] %s attempts[%d]", data.ID, hash, attempts)

	sign, err := signature.Sign(s.minerKey, hash)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	s.Enqueue(func() {
		done <- s.commitMinedBlock(data, raw, hash, sign, txs)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commitMinedBlock runs on the chain goroutine and commits a locally solved
// block through the same path a fetched block takes.
func (s *State) commitMinedBlock(data database.BlockData, raw []byte, hash string, sign string, txs []database.Tx) error {
	parent := s.db.LatestBlock()
	if parent.Hash != data.PreHash {
		return errors.New("tip moved before commit")
	}

	miner, exists := s.db.GetAccount(data.Miner)
	if !exists {
		return errors.New("miner account vanished")
	}

	block, err := database.NewBlock(data.ID, data.UTC, data.Version, data.ZeroBits, hash, parent, miner)
	if err != nil {
		s.fatal(err)
		return err
	}

	if err := s.db.ApplyBlock(block, txs); err != nil {
		s.ev("state: commitMinedBlock: blk[%d] rejected: %s", data.ID, err)
		return err
	}

	rawTxs := make([]json.RawMessage, 0, len(txs))
	for _, tx := range txs {
		env := struct {
			Sign string          `json:"sign"`
			Data json.RawMessage `json:"data"`
		}{tx.Sign, tx.Raw}

		rawTx, err := json.Marshal(env)
		if err != nil {
			return err
		}
		rawTxs = append(rawTxs, rawTx)
	}

	doc := database.BlockDoc{
		Hash:        hash,
		Sign:        sign,
		Data:        raw,
		Tx:          rawTxs,
		Children:    []string{},
		MinerReward: block.MinerReward,
	}

	if err := s.strg.WriteBlock(doc, parent.Hash); err != nil {
		s.fatal(err)
		return err
	}

	s.mempool.OnBlockApplied(block)

	if s.node != nil {
		s.broadcastBlock(block, nil)
	}

	return nil
}
