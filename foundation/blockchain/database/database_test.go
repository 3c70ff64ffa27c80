package database_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// chain bundles the world state under test with the keys that control it.
type chain struct {
	t       *testing.T
	db      *database.Database
	gen     genesis.Genesis
	rootKey *btcec.PrivateKey
	tip     *database.Block
	nextID  uint64
}

func newChain(t *testing.T) *chain {
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
	gblock, err := database.NewBlock(0, uint64(gen.Date.Unix()), gen.Version, gen.ZeroBits, signature.Hash([]byte("genesis")), nil, root)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build the genesis block: %v", failed, err)
	}
	db.LinkGenesis(gblock)

	return &chain{t: t, db: db, gen: gen, rootKey: rootKey, tip: gblock, nextID: 1}
}

// apply builds the next block mined by the specified account and applies the
// transactions to the world state.
func (c *chain) apply(miner *database.Account, txs ...database.Tx) (*database.Block, error) {
	block, err := database.NewBlock(c.nextID, c.tip.UTC+20, c.gen.Version, c.gen.ZeroBits,
		signature.Hash([]byte{byte(c.nextID)}), c.tip, miner)
	if err != nil {
		c.t.Fatalf("\t%s\tShould be able to build block %d: %v", failed, c.nextID, err)
	}

	if err := c.db.ApplyBlock(block, txs); err != nil {
		return nil, err
	}

	c.tip = block
	c.nextID++
	return block, nil
}

func (c *chain) root() *database.Account {
	account, _ := c.db.GetAccount(c.gen.RootPubkey)
	return account
}

// =============================================================================
// Transaction builders.

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func mustParse(t *testing.T, raw []byte, sign string) database.Tx {
	tx, err := database.ParseTx(raw, sign)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to parse the transaction: %v", failed, err)
	}
	return tx
}

func signTx(t *testing.T, key *btcec.PrivateKey, raw []byte) string {
	sign, err := signature.Sign(key, signature.Hash(raw))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
	}
	return sign
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
	}{database.TxRegister, 1000, 7, signature.EncodePubkey(newKey.PubKey()), refSign, signData})
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

func newTopicTx(t *testing.T, key *btcec.PrivateKey, topic string, reward uint64, blockID uint64) database.Tx {
	raw, err := json.Marshal(struct {
		Type    uint32 `json:"type"`
		UTC     uint64 `json:"utc"`
		BlockID uint64 `json:"block_id"`
		Fee     uint64 `json:"fee"`
		Pubkey  string `json:"pubkey"`
		Topic   string `json:"topic"`
		Reward  uint64 `json:"reward"`
	}{database.TxNewTopic, 1002, blockID, database.TxFee, signature.EncodePubkey(key.PubKey()), b64(topic), reward})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal topic data: %v", failed, err)
	}

	return mustParse(t, raw, signTx(t, key, raw))
}

func replyTx(t *testing.T, key *btcec.PrivateKey, topicKey string, reply string, blockID uint64) database.Tx {
	raw, err := json.Marshal(struct {
		Type     uint32 `json:"type"`
		UTC      uint64 `json:"utc"`
		BlockID  uint64 `json:"block_id"`
		Fee      uint64 `json:"fee"`
		Pubkey   string `json:"pubkey"`
		TopicKey string `json:"topic_key"`
		Reply    string `json:"reply"`
	}{database.TxReply, 1003, blockID, database.TxFee, signature.EncodePubkey(key.PubKey()), topicKey, b64(reply)})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal reply data: %v", failed, err)
	}

	return mustParse(t, raw, signTx(t, key, raw))
}

func rewardTx(t *testing.T, key *btcec.PrivateKey, topicKey string, replyTo string, amount uint64, blockID uint64) database.Tx {
	raw, err := json.Marshal(struct {
		Type     uint32 `json:"type"`
		UTC      uint64 `json:"utc"`
		BlockID  uint64 `json:"block_id"`
		Fee      uint64 `json:"fee"`
		Pubkey   string `json:"pubkey"`
		TopicKey string `json:"topic_key"`
		ReplyTo  string `json:"reply_to"`
		Amount   uint64 `json:"amount"`
	}{database.TxReward, 1004, blockID, database.TxFee, signature.EncodePubkey(key.PubKey()), topicKey, replyTo, amount})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to marshal reward data: %v", failed, err)
	}

	return mustParse(t, raw, signTx(t, key, raw))
}

// =============================================================================

func Test_GenesisRegister(t *testing.T) {
	t.Log("Given the need to register an account in the first block.")
	{
		c := newChain(t)
		root := c.root()

		aliceKey, _ := btcec.NewPrivateKey()
		tx := registerTx(t, aliceKey, c.rootKey, "alice", 1)

		before := c.db.TotalCoin()

		if _, err := c.apply(root, tx); err != nil {
			t.Fatalf("\t%s\tShould be able to apply the register block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the register block.", success)

		alice, exists := c.db.GetAccount(signature.EncodePubkey(aliceKey.PubKey()))
		if !exists {
			t.Fatalf("\t%s\tShould find alice in the world state.", failed)
		}
		t.Logf("\t%s\tShould find alice in the world state.", success)

		if alice.ID != 2 {
			t.Errorf("\t%s\tShould assign alice id 2, got %d.", failed, alice.ID)
		} else {
			t.Logf("\t%s\tShould assign alice id 2.", success)
		}

		if alice.Balance != 0 {
			t.Errorf("\t%s\tShould leave alice with balance 0, got %d.", failed, alice.Balance)
		} else {
			t.Logf("\t%s\tShould leave alice with balance 0.", success)
		}

		// The root paid the 2 unit fee, banked 1 as the miner, and the
		// reserve fund banked the orphan unit. The miner subsidy of 5000
		// also landed on the root.
		exp := uint64(1_000_000) - 2 + 1 + database.MinerSubsidy
		if root.Balance != exp {
			t.Errorf("\t%s\tShould leave the root with %d, got %d.", failed, exp, root.Balance)
		} else {
			t.Logf("\t%s\tShould leave the root with %d.", success, exp)
		}

		expReserve := uint64(1_000_000_000) + 1 - database.MinerSubsidy
		if c.db.ReserveFund().Balance != expReserve {
			t.Errorf("\t%s\tShould leave the reserve fund with %d, got %d.", failed, expReserve, c.db.ReserveFund().Balance)
		} else {
			t.Logf("\t%s\tShould leave the reserve fund with %d.", success, expReserve)
		}

		if got := c.db.TotalCoin(); got != before {
			t.Errorf("\t%s\tShould conserve total coin, got %d, exp %d.", failed, got, before)
		} else {
			t.Logf("\t%s\tShould conserve total coin.", success)
		}

		if c.db.AccountNameExists(b64("alice")) != true {
			t.Errorf("\t%s\tShould reserve the name alice.", failed)
		} else {
			t.Logf("\t%s\tShould reserve the name alice.", success)
		}
	}
}

func Test_SendTransfersValue(t *testing.T) {
	t.Log("Given the need to move value between accounts.")
	{
		c := newChain(t)
		root := c.root()

		aliceKey, _ := btcec.NewPrivateKey()
		bobKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())
		bobPub := signature.EncodePubkey(bobKey.PubKey())

		if _, err := c.apply(root, registerTx(t, aliceKey, c.rootKey, "alice", 1), registerTx(t, bobKey, c.rootKey, "bob", 1)); err != nil {
			t.Fatalf("\t%s\tShould be able to register alice and bob: %v", failed, err)
		}
		if _, err := c.apply(root, sendTx(t, c.rootKey, alicePub, 102, 2)); err != nil {
			t.Fatalf("\t%s\tShould be able to fund alice: %v", failed, err)
		}

		alice, _ := c.db.GetAccount(alicePub)
		bob, _ := c.db.GetAccount(bobPub)
		rootBefore := root.Balance
		before := c.db.TotalCoin()

		if _, err := c.apply(root, sendTx(t, aliceKey, bobPub, 100, 3)); err != nil {
			t.Fatalf("\t%s\tShould be able to apply the send: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the send.", success)

		if alice.Balance != 0 {
			t.Errorf("\t%s\tShould leave alice with 0, got %d.", failed, alice.Balance)
		} else {
			t.Logf("\t%s\tShould leave alice with 0.", success)
		}

		if bob.Balance != 100 {
			t.Errorf("\t%s\tShould credit bob with 100, got %d.", failed, bob.Balance)
		} else {
			t.Logf("\t%s\tShould credit bob with 100.", success)
		}

		// The root is both the miner and alice's referrer, so it banks both
		// fee units plus the subsidy.
		exp := rootBefore + 2 + database.MinerSubsidy
		if root.Balance != exp {
			t.Errorf("\t%s\tShould credit the root with both fee units, got %d, exp %d.", failed, root.Balance, exp)
		} else {
			t.Logf("\t%s\tShould credit the root with both fee units.", success)
		}

		if got := c.db.TotalCoin(); got != before {
			t.Errorf("\t%s\tShould conserve total coin, got %d, exp %d.", failed, got, before)
		} else {
			t.Logf("\t%s\tShould conserve total coin.", success)
		}
	}
}

func Test_InsufficientSendRejectsBlock(t *testing.T) {
	t.Log("Given the need to reject a block whose transaction overdraws.")
	{
		c := newChain(t)
		root := c.root()

		aliceKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())

		if _, err := c.apply(root, registerTx(t, aliceKey, c.rootKey, "alice", 1)); err != nil {
			t.Fatalf("\t%s\tShould be able to register alice: %v", failed, err)
		}

		rootBefore := root.Balance
		tipBefore := c.db.LatestBlock()

		// Alice has no balance at all.
		_, err := c.apply(root, sendTx(t, aliceKey, c.gen.RootPubkey, 10, 2))
		if !errors.Is(err, database.ErrInsufficient) {
			t.Fatalf("\t%s\tShould reject the block with ErrInsufficient, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould reject the block with ErrInsufficient.", success)

		alice, _ := c.db.GetAccount(alicePub)
		if alice.Balance != 0 || root.Balance != rootBefore {
			t.Errorf("\t%s\tShould leave every balance untouched.", failed)
		} else {
			t.Logf("\t%s\tShould leave every balance untouched.", success)
		}

		if c.db.LatestBlock() != tipBefore {
			t.Errorf("\t%s\tShould keep the previous tip.", failed)
		} else {
			t.Logf("\t%s\tShould keep the previous tip.", success)
		}
	}
}

func Test_TopicRewardFlow(t *testing.T) {
	t.Log("Given the need to run a topic through reply and reward.")
	{
		c := newChain(t)
		root := c.root()

		carolKey, _ := btcec.NewPrivateKey()
		daveKey, _ := btcec.NewPrivateKey()
		carolPub := signature.EncodePubkey(carolKey.PubKey())
		davePub := signature.EncodePubkey(daveKey.PubKey())

		if _, err := c.apply(root, registerTx(t, carolKey, c.rootKey, "carol", 1), registerTx(t, daveKey, c.rootKey, "dave", 1)); err != nil {
			t.Fatalf("\t%s\tShould be able to register carol and dave: %v", failed, err)
		}
		if _, err := c.apply(root, sendTx(t, c.rootKey, carolPub, 100, 2), sendTx(t, c.rootKey, davePub, 10, 2)); err != nil {
			t.Fatalf("\t%s\tShould be able to fund carol and dave: %v", failed, err)
		}

		topicTx := newTopicTx(t, carolKey, "what is the meaning of life", 50, 3)
		if _, err := c.apply(root, topicTx); err != nil {
			t.Fatalf("\t%s\tShould be able to open the topic: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to open the topic.", success)

		topic, exists := c.db.GetTopic(topicTx.ID)
		if !exists || topic.Balance != 50 {
			t.Fatalf("\t%s\tShould hold 50 in the topic pool.", failed)
		}
		t.Logf("\t%s\tShould hold 50 in the topic pool.", success)

		answer := replyTx(t, daveKey, topicTx.ID, "forty two", 4)
		if _, err := c.apply(root, answer); err != nil {
			t.Fatalf("\t%s\tShould be able to reply: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to reply.", success)

		dave, _ := c.db.GetAccount(davePub)
		if !dave.Joined(topic.Key) {
			t.Errorf("\t%s\tShould join dave to the topic.", failed)
		} else {
			t.Logf("\t%s\tShould join dave to the topic.", success)
		}

		// Overpayment first: the pool holds 50, carol tries to pay 60.
		over := rewardTx(t, carolKey, topicTx.ID, answer.ID, 60, 5)
		if _, err := c.apply(root, over); !errors.Is(err, database.ErrPoolExhausted) {
			t.Fatalf("\t%s\tShould reject an overpaying reward, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould reject an overpaying reward.", success)

		daveBefore := dave.Balance
		reward := rewardTx(t, carolKey, topicTx.ID, answer.ID, 30, 5)
		if _, err := c.apply(root, reward); err != nil {
			t.Fatalf("\t%s\tShould be able to reward the reply: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to reward the reply.", success)

		if topic.Balance != 20 {
			t.Errorf("\t%s\tShould leave 20 in the pool, got %d.", failed, topic.Balance)
		} else {
			t.Logf("\t%s\tShould leave 20 in the pool.", success)
		}

		if dave.Balance != daveBefore+30 {
			t.Errorf("\t%s\tShould credit dave with 30, got %d.", failed, dave.Balance-daveBefore)
		} else {
			t.Logf("\t%s\tShould credit dave with 30.", success)
		}

		gotReply, _ := topic.GetReply(answer.ID)
		if gotReply.Balance != 30 {
			t.Errorf("\t%s\tShould record the credit on the reply, got %d.", failed, gotReply.Balance)
		} else {
			t.Logf("\t%s\tShould record the credit on the reply.", success)
		}

		if topic.ReplyCount() != 2 {
			t.Errorf("\t%s\tShould append a reward marker, got %d replies.", failed, topic.ReplyCount())
		} else {
			t.Logf("\t%s\tShould append a reward marker.", success)
		}
	}
}

func Test_RollbackSymmetry(t *testing.T) {
	t.Log("Given the need to roll a block back to the exact prior state.")
	{
		c := newChain(t)
		root := c.root()

		aliceKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())

		if _, err := c.apply(root, registerTx(t, aliceKey, c.rootKey, "alice", 1)); err != nil {
			t.Fatalf("\t%s\tShould be able to register alice: %v", failed, err)
		}
		if _, err := c.apply(root, sendTx(t, c.rootKey, alicePub, 500, 2)); err != nil {
			t.Fatalf("\t%s\tShould be able to fund alice: %v", failed, err)
		}

		rootBefore := root.Balance
		reserveBefore := c.db.ReserveFund().Balance
		totalBefore := c.db.TotalCoin()
		tipBefore := c.db.LatestBlock()

		topicTx := newTopicTx(t, aliceKey, "roll me back", 100, 3)
		block, err := c.apply(root, topicTx, sendTx(t, aliceKey, c.gen.RootPubkey, 50, 3))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to apply the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the block.", success)

		if _, err := c.db.RevertBlock(block); err != nil {
			t.Fatalf("\t%s\tShould be able to revert the block: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to revert the block.", success)

		alice, _ := c.db.GetAccount(alicePub)
		if alice.Balance != 500 {
			t.Errorf("\t%s\tShould restore alice to 500, got %d.", failed, alice.Balance)
		} else {
			t.Logf("\t%s\tShould restore alice to 500.", success)
		}

		if root.Balance != rootBefore {
			t.Errorf("\t%s\tShould restore the root balance, got %d, exp %d.", failed, root.Balance, rootBefore)
		} else {
			t.Logf("\t%s\tShould restore the root balance.", success)
		}

		if c.db.ReserveFund().Balance != reserveBefore {
			t.Errorf("\t%s\tShould restore the reserve fund.", failed)
		} else {
			t.Logf("\t%s\tShould restore the reserve fund.", success)
		}

		if _, exists := c.db.GetTopic(topicTx.ID); exists {
			t.Errorf("\t%s\tShould remove the topic again.", failed)
		} else {
			t.Logf("\t%s\tShould remove the topic again.", success)
		}

		if c.db.TxKnown(topicTx.ID) {
			t.Errorf("\t%s\tShould forget the transaction ids.", failed)
		} else {
			t.Logf("\t%s\tShould forget the transaction ids.", success)
		}

		if c.db.LatestBlock() != tipBefore {
			t.Errorf("\t%s\tShould move the tip back to the parent.", failed)
		} else {
			t.Logf("\t%s\tShould move the tip back to the parent.", success)
		}

		if got := c.db.TotalCoin(); got != totalBefore {
			t.Errorf("\t%s\tShould conserve total coin across the round trip.", failed)
		} else {
			t.Logf("\t%s\tShould conserve total coin across the round trip.", success)
		}
	}
}

func Test_DuplicateTxRejected(t *testing.T) {
	t.Log("Given the need to reject a transaction replay.")
	{
		c := newChain(t)
		root := c.root()

		aliceKey, _ := btcec.NewPrivateKey()
		alicePub := signature.EncodePubkey(aliceKey.PubKey())

		if _, err := c.apply(root, registerTx(t, aliceKey, c.rootKey, "alice", 1)); err != nil {
			t.Fatalf("\t%s\tShould be able to register alice: %v", failed, err)
		}

		tx := sendTx(t, c.rootKey, alicePub, 10, 2)
		if _, err := c.apply(root, tx); err != nil {
			t.Fatalf("\t%s\tShould be able to apply the send once: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to apply the send once.", success)

		if _, err := c.apply(root, tx); !errors.Is(err, database.ErrTxDuplicate) {
			t.Fatalf("\t%s\tShould reject the replay, got %v.", failed, err)
		}
		t.Logf("\t%s\tShould reject the replay.", success)
	}
}

func Test_NameValidation(t *testing.T) {
	t.Log("Given the need to validate account names.")
	{
		good := []string{b64("alice"), b64("x"), b64("fifteen-bytes-x")}
		for _, name := range good {
			if !database.ValidName(name) {
				t.Errorf("\t%s\tShould accept %q.", failed, name)
			} else {
				t.Logf("\t%s\tShould accept %q.", success, name)
			}
		}

		bad := []string{"", "abc", b64("with space"), b64("tab\there"), b64("sixteen-bytes-xx"), "not b64!"}
		for _, name := range bad {
			if database.ValidName(name) {
				t.Errorf("\t%s\tShould reject %q.", failed, name)
			} else {
				t.Logf("\t%s\tShould reject %q.", success, name)
			}
		}
	}
}
