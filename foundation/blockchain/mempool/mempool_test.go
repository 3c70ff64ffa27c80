package mempool_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/askcoin/askcoin/foundation/blockchain/mempool"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

type harness struct {
	t       *testing.T
	db      *database.Database
	mp      *mempool.Mempool
	gen     genesis.Genesis
	rootKey *btcec.PrivateKey
	tip     *database.Block
	nextID  uint64
}

func newHarness(t *testing.T) *harness {
	rootKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate the root key: %v", failed, err)
	}

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

	db, err := database.New(gen, nil)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the database: %v", failed, err)
	}

	root, _ := db.GetAccount(gen.RootPubkey)
	gblock, err := database.NewBlock(0, uint64(gen.Date.Unix()), 1, 1, signature.Hash([]byte("genesis")), nil, root)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the genesis block: %v", failed, err)
	}
	db.LinkGenesis(gblock)

	return &harness{
		t:       t,
		db:      db,
		mp:      mempool.New(db, nil),
		gen:     gen,
		rootKey: rootKey,
		tip:     gblock,
		nextID:  1,
	}
}

// commit mines the verified pool into a block and applies it.
func (h *harness) commit(miner *database.Account) *database.Block {
	txs := h.mp.Verified(-1)

	block, err := database.NewBlock(h.nextID, h.tip.UTC+20, 1, 1, signature.Hash([]byte{byte(h.nextID)}), h.tip, miner)
	if err != nil {
		h.t.Fatalf("\t%s\tShould be able to build block %d: %v", failed, h.nextID, err)
	}

	if err := h.db.ApplyBlock(block, txs); err != nil {
		h.t.Fatalf("\t%s\tShould be able to apply block %d: %v", failed, h.nextID, err)
	}

	h.mp.OnBlockApplied(block)
	h.tip = block
	h.nextID++
	return block
}

func (h *harness) root() *database.Account {
	account, _ := h.db.GetAccount(h.gen.RootPubkey)
	return account
}

// =============================================================================

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func signTx(t *testing.T, key *btcec.PrivateKey, raw []byte) string {
	sign, err := signature.Sign(key, signature.Hash(raw))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
	}
	return sign
}

func mustParse(t *testing.T, raw []byte, sign string) database.Tx {
	tx, err := database.ParseTx(raw, sign)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to parse the transaction: %v", failed, err)
	}
	return tx
}

func registerTx(t *testing.T, newKey *btcec.PrivateKey, referrerKey *btcec.PrivateKey, name string, blockID uint64) database.Tx {
	signData, err := json.Marshal(struct {
		BlockID  uint64 `json:"block_id"`
		Fee      uint64 `json:"fee"`
		Name     string `json:"name"`
		Referrer string `json:"referrer"`
	}{blockID, database.TxFee, b64(name), signature.EncodePubkey(referrerKey.PubKey())})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal sign_data: %v", failed, err)
	}

	refSign, err := signature.Sign(referrerKey, signature.Hash(signData))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign sign_data: %v", failed, err)
	}

	raw, err := json.Marshal(struct {
		Type     uint32          `json:"type"`
		UTC      uint64          `json:"utc"`
		Avatar   uint64          `json:"avatar"`
		Pubkey   string          `json:"pubkey"`
		Sign     string          `json:"sign"`
		SignData json.RawMessage `json:"sign_data"`
	}{database.TxRegister, 1000, 3, signature.EncodePubkey(newKey.PubKey()), refSign, signData})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal register data: %v", failed, err)
	}

	return mustParse(t, raw, signTx(t, newKey, raw))
}

func sendTx(t *testing.T, key *btcec.PrivateKey, receiver string, amount uint64, blockID uint64) database.Tx {
	raw, err := json.Marshal(struct {
		Type     uint32 `json:"type"`
		UTC      uint64 `json:"utc"`
		BlockID  uint64 `json:"block_id"`
		Fee      uint64 `json:"fee"`
		Pubkey   string `json:"pubkey"`
		Receiver string `json:"receiver"`
		Amount   uint64 `json:"amount"`
	}{database.TxSend, 1001, blockID, database.TxFee, signature.EncodePubkey(key.PubKey()), receiver, amount})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal send data: %v", failed, err)
	}

	return mustParse(t, raw, signTx(t, key, raw))
}

// =============================================================================

func Test_DependencyChain(t *testing.T) {
	t.Log("Given a register that drains the referrer followed by a spend.")
	{
		h := newHarness(t)

		// Alice exists with exactly the registration fee.
		aliceKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())
		if status, _ := h.mp.AddTx(registerTx(t, aliceKey, h.rootKey, "alice", 1)); status != mempool.StatusVerified {
			t.Fatalf("\t%s\tShould admit alice's registration, got %d.", failed, status)
		}
		h.commit(h.root())

		if status, _ := h.mp.AddTx(sendTx(t, h.rootKey, alicePub, 2, 1)); status != mempool.StatusVerified {
			t.Fatalf("\t%s\tShould admit funding alice with 2.", failed)
		}
		h.commit(h.root())

		alice, _ := h.db.GetAccount(alicePub)
		if alice.Balance != 2 {
			t.Fatalf("\t%s\tShould leave alice with exactly 2, got %d.", failed, alice.Balance)
		}

		// Dave's registration reserves alice's whole balance.
		daveKey, _ := btcec.NewPrivateKey()
		status, rebroadcast := h.mp.AddTx(registerTx(t, daveKey, aliceKey, "dave", 2))
		if status != mempool.StatusVerified {
			t.Fatalf("\t%s\tShould admit dave's registration, got %d.", failed, status)
		}
		t.Logf("\t%s\tShould admit dave's registration.", success)

		if !rebroadcast {
			t.Errorf("\t%s\tShould ask for exactly one rebroadcast.", failed)
		} else {
			t.Logf("\t%s\tShould ask for exactly one rebroadcast.", success)
		}

		if alice.UvSpend != 2 {
			t.Errorf("\t%s\tShould reserve alice's 2 units, got uv_spend %d.", failed, alice.UvSpend)
		} else {
			t.Logf("\t%s\tShould reserve alice's 2 units.", success)
		}

		// Alice's own spend can't be satisfied while the registration holds
		// her balance, so it defers.
		status, _ = h.mp.AddTx(sendTx(t, aliceKey, h.gen.RootPubkey, 1, 2))
		if status != mempool.StatusDeferred {
			t.Fatalf("\t%s\tShould defer alice's spend, got %d.", failed, status)
		}
		t.Logf("\t%s\tShould defer alice's spend.", success)

		// Committing the registration drains alice for real; the deferred
		// spend is re-evaluated and dropped for good.
		h.commit(h.root())

		verified, deferred := h.mp.Count()
		if verified != 0 || deferred != 0 {
			t.Errorf("\t%s\tShould drop the unfundable spend, got v=%d d=%d.", failed, verified, deferred)
		} else {
			t.Logf("\t%s\tShould drop the unfundable spend.", success)
		}

		if alice.Balance != 0 || alice.UvSpend != 0 {
			t.Errorf("\t%s\tShould leave alice drained with no reservations.", failed)
		} else {
			t.Logf("\t%s\tShould leave alice drained with no reservations.", success)
		}
	}
}

func Test_DuplicateBroadcastOnce(t *testing.T) {
	t.Log("Given the same transaction broadcast twice.")
	{
		h := newHarness(t)

		aliceKey, _ := btcec.NewPrivateKey()
		tx := registerTx(t, aliceKey, h.rootKey, "alice", 1)

		if _, rebroadcast := h.mp.AddTx(tx); !rebroadcast {
			t.Fatalf("\t%s\tShould rebroadcast on first sight.", failed)
		}
		t.Logf("\t%s\tShould rebroadcast on first sight.", success)

		if status, rebroadcast := h.mp.AddTx(tx); status != mempool.StatusKnown || rebroadcast {
			t.Fatalf("\t%s\tShould never rebroadcast a known transaction.", failed)
		}
		t.Logf("\t%s\tShould never rebroadcast a known transaction.", success)
	}
}

func Test_PendingNameClaim(t *testing.T) {
	t.Log("Given two pending registrations racing for one name.")
	{
		h := newHarness(t)

		k1, _ := btcec.NewPrivateKey()
		k2, _ := btcec.NewPrivateKey()

		if status, _ := h.mp.AddTx(registerTx(t, k1, h.rootKey, "alice", 1)); status != mempool.StatusVerified {
			t.Fatalf("\t%s\tShould admit the first claim, got %d.", failed, status)
		}
		t.Logf("\t%s\tShould admit the first claim.", success)

		if status, _ := h.mp.AddTx(registerTx(t, k2, h.rootKey, "alice", 1)); status != mempool.StatusRejected {
			t.Fatalf("\t%s\tShould reject the second claim, got %d.", failed, status)
		}
		t.Logf("\t%s\tShould reject the second claim.", success)
	}
}

func Test_RevertReadmits(t *testing.T) {
	t.Log("Given a reorganization that removes a committed transaction.")
	{
		h := newHarness(t)

		aliceKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())

		h.mp.AddTx(registerTx(t, aliceKey, h.rootKey, "alice", 1))
		h.commit(h.root())

		h.mp.AddTx(sendTx(t, h.rootKey, alicePub, 50, 1))
		block := h.commit(h.root())

		verified, _ := h.mp.Count()
		if verified != 0 {
			t.Fatalf("\t%s\tShould start with an empty pool.", failed)
		}

		txs, err := h.db.RevertBlock(block)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to revert the block: %v", failed, err)
		}
		h.mp.OnBlockReverted(txs)

		verified, _ = h.mp.Count()
		if verified != 1 {
			t.Errorf("\t%s\tShould re-admit the reverted send, got %d.", failed, verified)
		} else {
			t.Logf("\t%s\tShould re-admit the reverted send.", success)
		}
	}
}
