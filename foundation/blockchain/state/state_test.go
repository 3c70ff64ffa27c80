package state_test

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/askcoin/askcoin/foundation/blockchain/state"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// newState stands a node state up against the specified storage, with the
// root key doubling as the miner key. A goroutine drains the chain queue
// the way the worker does in production.
func newState(t *testing.T, strg *storage.Storage, rootKey *btcec.PrivateKey) (*state.State, func()) {
	gen := genesis.Genesis{
		Date:        time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC),
		Version:     1,
		ZeroBits:    1,
		ReserveFund: 1_000_000_000,
		RootName:    b64("root"),
		RootAvatar:  1,
		RootPubkey:  signature.EncodePubkey(rootKey.PubKey()),
		RootBalance: 1_000_000,
	}

	st, err := state.New(state.Config{
		Genesis:  gen,
		Storage:  strg,
		MinerKey: rootKey,
		Version:  1,
		Fatal:    func(err error) { t.Fatalf("\t%s\tIntegrity fault: %v", failed, err) },
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the state: %v", failed, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case work := <-st.ChainQueue():
				work()
			case <-done:
				return
			}
		}
	}()

	return st, func() { close(done) }
}

// =============================================================================

func Test_GenesisBootstrap(t *testing.T) {
	t.Log("Given the need to write the genesis block at first boot.")
	{
		strg, err := storage.New(filepath.Join(t.TempDir(), "blocks.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
		}
		defer strg.Close()

		rootKey, _ := btcec.NewPrivateKey()
		st, stop := newState(t, strg, rootKey)
		defer stop()

		tip := st.LatestBlock()
		if tip.ID != 0 {
			t.Fatalf("\t%s\tShould start at the genesis block, got blk[%d].", failed, tip.ID)
		}
		t.Logf("\t%s\tShould start at the genesis block.", success)

		stored, exists, err := strg.Tip()
		if err != nil || !exists || stored != tip.Hash {
			t.Fatalf("\t%s\tShould persist the genesis tip.", failed)
		}
		t.Logf("\t%s\tShould persist the genesis tip.", success)
	}
}

func Test_MineAndReplay(t *testing.T) {
	t.Log("Given the need to mine blocks and replay them after a restart.")
	{
		strg, err := storage.New(filepath.Join(t.TempDir(), "blocks.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
		}
		defer strg.Close()

		rootKey, _ := btcec.NewPrivateKey()
		st, stop := newState(t, strg, rootKey)

		supply := st.TotalCoin()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for i := 0; i < 3; i++ {
			if err := st.MineBlock(ctx); err != nil {
				t.Fatalf("\t%s\tShould be able to mine block %d: %v", failed, i+1, err)
			}
		}
		t.Logf("\t%s\tShould be able to mine three blocks.", success)

		tip := st.LatestBlock()
		if tip.ID != 3 {
			t.Fatalf("\t%s\tShould sit at blk[3], got blk[%d].", failed, tip.ID)
		}
		t.Logf("\t%s\tShould sit at blk[3].", success)

		if got := st.TotalCoin(); got != supply {
			t.Errorf("\t%s\tShould conserve total coin across mining, got %d, exp %d.", failed, got, supply)
		} else {
			t.Logf("\t%s\tShould conserve total coin across mining.", success)
		}

		root, _ := st.AccountByPubkey(signature.EncodePubkey(rootKey.PubKey()))
		minedBalance := root.Balance
		stop()

		// A fresh state against the same storage must replay to the exact
		// same world.
		st2, stop2 := newState(t, strg, rootKey)
		defer stop2()

		tip2 := st2.LatestBlock()
		if tip2.ID != tip.ID || tip2.Hash != tip.Hash {
			t.Fatalf("\t%s\tShould replay to the same tip, got blk[%d] %s.", failed, tip2.ID, tip2.Hash)
		}
		t.Logf("\t%s\tShould replay to the same tip.", success)

		root2, _ := st2.AccountByPubkey(signature.EncodePubkey(rootKey.PubKey()))
		if root2.Balance != minedBalance {
			t.Errorf("\t%s\tShould replay the miner balance, got %d, exp %d.", failed, root2.Balance, minedBalance)
		} else {
			t.Logf("\t%s\tShould replay the miner balance.", success)
		}

		if got := st2.TotalCoin(); got != supply {
			t.Errorf("\t%s\tShould conserve total coin across the replay.", failed)
		} else {
			t.Logf("\t%s\tShould conserve total coin across the replay.", success)
		}
	}
}

func Test_DifficultyFollowsInterval(t *testing.T) {
	t.Log("Given the difficulty rule on the parent's block interval.")
	{
		strg, err := storage.New(filepath.Join(t.TempDir(), "blocks.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
		}
		defer strg.Close()

		rootKey, _ := btcec.NewPrivateKey()
		st, stop := newState(t, strg, rootKey)
		defer stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// The genesis interval is neutral, so block 1 keeps the genesis
		// difficulty; block 1 sits far in the future relative to the 2023
		// genesis date, so the slow rule floors block 2's difficulty at 1.
		if err := st.MineBlock(ctx); err != nil {
			t.Fatalf("\t%s\tShould be able to mine block 1: %v", failed, err)
		}

		b1 := st.LatestBlock()
		if b1.ZeroBits != 1 {
			t.Errorf("\t%s\tShould keep the genesis difficulty, got %d.", failed, b1.ZeroBits)
		} else {
			t.Logf("\t%s\tShould keep the genesis difficulty.", success)
		}

		if next := b1.NextZeroBits(); next != 1 {
			t.Errorf("\t%s\tShould floor the slow-interval difficulty at 1, got %d.", failed, next)
		} else {
			t.Logf("\t%s\tShould floor the slow-interval difficulty at 1.", success)
		}
	}
}
