package database

import (
	"encoding/json"
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/accum"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
)

// MaxBlockTxs bounds the number of transactions a single block may carry.
const MaxBlockTxs = 2000

// MinerSubsidy is paid to the miner from the reserve fund when a block
// commits, provided the fund still holds at least this much.
const MinerSubsidy = 5000

// Block difficulty follows the parent's block interval: faster than 15
// seconds raises zero bits by one, slower than 35 lowers it by one with a
// floor of 1.
const (
	utcDiffFast = 15
	utcDiffSlow = 35
)

// =============================================================================

// Block represents a live block in memory. Only the tip and its ancestors
// plus recently seen fork blocks are held; the full DAG lives in storage.
type Block struct {
	ID       uint64
	UTC      uint64
	Version  uint32
	ZeroBits uint32
	Hash     string
	Parent   *Block
	Miner    *Account
	Pow      accum.Pow

	// UTCDiff is the interval between this block and its parent. It drives
	// the difficulty of the next block.
	UTCDiff uint64

	// MinerReward records whether the reserve fund paid the subsidy when
	// this block committed, so reversal is exact.
	MinerReward bool

	// Journal of what this block did to the world state, kept so a
	// reorganization can undo it precisely.
	txs           []Tx
	expiredTopics []*Topic
}

// NewBlock constructs a live block linked beneath its parent, accumulating
// the parent's difficulty. Overflow of the accumulated work is fatal to the
// caller.
func NewBlock(id uint64, utc uint64, version uint32, zeroBits uint32, hash string, parent *Block, miner *Account) (*Block, error) {
	b := Block{
		ID:       id,
		UTC:      utc,
		Version:  version,
		ZeroBits: zeroBits,
		Hash:     hash,
		Parent:   parent,
		Miner:    miner,
	}

	if parent != nil {
		b.Pow = parent.Pow
		b.UTCDiff = utc - parent.UTC
	} else {
		// The genesis block has no parent. A neutral interval keeps the
		// difficulty of block 1 equal to the genesis difficulty.
		b.UTCDiff = (utcDiffFast + utcDiffSlow) / 2
	}

	if err := b.Pow.AddPow(zeroBits); err != nil {
		return nil, fmt.Errorf("block %d: %w", id, err)
	}

	return &b, nil
}

// Txs returns the transactions applied by this block, in order.
func (b *Block) Txs() []Tx {
	return b.txs
}

// NextZeroBits returns the difficulty required of this block's child.
func (b *Block) NextZeroBits() uint32 {
	switch {
	case b.UTCDiff < utcDiffFast:
		return b.ZeroBits + 1
	case b.UTCDiff > utcDiffSlow:
		if b.ZeroBits > 1 {
			return b.ZeroBits - 1
		}
		return 1
	default:
		return b.ZeroBits
	}
}

// =============================================================================

// BlockData is the hashed portion of a block on the wire and in storage. The
// field order is the canonical serialization: the block hash is the double
// SHA-256 of exactly these bytes.
type BlockData struct {
	ID       uint64    `json:"id"`
	UTC      uint64    `json:"utc"`
	Version  uint32    `json:"version"`
	ZeroBits uint32    `json:"zero_bits"`
	PreHash  string    `json:"pre_hash"`
	Miner    string    `json:"miner"`
	Nonce    [4]uint64 `json:"nonce"`
	TxIDs    []string  `json:"tx_ids"`
}

// Marshal returns the canonical bytes of the block data.
func (bd BlockData) Marshal() ([]byte, error) {
	if bd.TxIDs == nil {
		bd.TxIDs = []string{}
	}
	return json.Marshal(bd)
}

// HashB64 returns the block hash of the canonical bytes.
func (bd BlockData) HashB64() (string, error) {
	data, err := bd.Marshal()
	if err != nil {
		return "", err
	}
	return signature.Hash(data), nil
}

// =============================================================================

// BlockDoc is the document persisted per block hash. Each Tx element is a
// full {"sign","data"} envelope exactly as received. Children carries the
// hashes of every known child (boot replay walks parent links back from the
// stored tip instead); MinerReward records whether the subsidy was paid.
type BlockDoc struct {
	Hash        string            `json:"hash"`
	Sign        string            `json:"sign"`
	Data        json.RawMessage   `json:"data"`
	Tx          []json.RawMessage `json:"tx"`
	Children    []string          `json:"children"`
	MinerReward bool              `json:"miner_reward"`
}
