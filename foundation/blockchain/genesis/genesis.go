// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"os"
	"time"
)

// Genesis represents the genesis file. It seeds the two accounts that exist
// before any block is applied: the reserve fund (id 0) that banks orphan fees
// and pays the per-block subsidy, and the root account (id 1) that referrers
// chain back to.
type Genesis struct {
	Date        time.Time `json:"date"`
	Version     uint32    `json:"version"`      // Block version stamped on the genesis block.
	ZeroBits    uint32    `json:"zero_bits"`    // Difficulty of the genesis block.
	ReserveFund uint64    `json:"reserve_fund"` // Opening balance of the reserve-fund account.
	RootName    string    `json:"root_name"`
	RootAvatar  uint64    `json:"root_avatar"`
	RootPubkey  string    `json:"root_pubkey"`
	RootBalance uint64    `json:"root_balance"`
}

// Supply returns the total number of coin units in existence at genesis.
func (g Genesis) Supply() uint64 {
	return g.ReserveFund + g.RootBalance
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}
