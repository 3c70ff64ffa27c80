package database

import (
	"errors"
	"fmt"
)

// Logical rejection errors. A block carrying a transaction that fails any of
// these is rejected as a whole and the supplying peer is punished.
var (
	ErrTxDuplicate   = errors.New("transaction already applied")
	ErrTxAnchor      = errors.New("transaction anchor outside block window")
	ErrNoAccount     = errors.New("account doesn't exist")
	ErrNameTaken     = errors.New("account name already exists")
	ErrPubkeyTaken   = errors.New("pubkey already registered")
	ErrBadSign       = errors.New("bad signature")
	ErrInsufficient  = errors.New("insufficient balance")
	ErrNoTopic       = errors.New("topic doesn't exist")
	ErrNoReply       = errors.New("reply doesn't exist")
	ErrTopicFull     = errors.New("topic reply limit reached")
	ErrTopicLimit    = errors.New("topic limit reached")
	ErrJoinLimit     = errors.New("joined topic limit reached")
	ErrNotOwner      = errors.New("only the topic owner can reward")
	ErrRewardMarker  = errors.New("cannot reward a reward marker")
	ErrPoolExhausted = errors.New("topic pool can't cover the reward")
)

// =============================================================================

// ApplyBlock applies every transaction of the block in order, then the topic
// expiry sweep and the miner subsidy, and finally makes the block the new
// tip. If any transaction fails, the already-applied prefix is rolled back in
// reverse order and the world state is exactly as before the call.
func (db *Database) ApplyBlock(block *Block, txs []Tx) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range txs {
		if err := db.applyTx(block, &txs[i]); err != nil {
			for j := i - 1; j >= 0; j-- {
				db.revertTx(block, &txs[j])
			}
			return fmt.Errorf("tx[%d] %s: %w", i, txs[i].ID, err)
		}
	}

	block.txs = txs

	db.procTopicExpired(block)

	if db.reserveFund.Balance >= MinerSubsidy {
		db.subBalance(db.reserveFund, MinerSubsidy)
		db.addBalance(block.Miner, MinerSubsidy)
		block.MinerReward = true
	}

	db.procTxMap(block)

	db.blocks[block.Hash] = block
	db.latestBlock = block
	if db.mostDifficult == nil || block.Pow.DifficultThan(db.mostDifficult.Pow) {
		db.mostDifficult = block
	}

	return nil
}

// RevertBlock undoes everything ApplyBlock did for the current tip and moves
// the tip back to the parent. The block stays known in memory and storage.
// The reverted transactions are returned so the mempool can re-admit them.
func (db *Database) RevertBlock(block *Block) ([]Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.latestBlock != block {
		return nil, fmt.Errorf("revert of non-tip block %d %s", block.ID, block.Hash)
	}

	for _, tx := range block.txs {
		delete(db.txMap, tx.ID)
	}
	if n := len(db.txOrder); n > 0 && db.txOrder[n-1] == block {
		db.txOrder = db.txOrder[:n-1]
	}

	if block.MinerReward {
		db.subBalance(block.Miner, MinerSubsidy)
		db.addBalance(db.reserveFund, MinerSubsidy)
		block.MinerReward = false
	}

	// Expired topics were swept oldest first; restore them in reverse so
	// the expiry list keeps its creation order.
	for i := len(block.expiredTopics) - 1; i >= 0; i-- {
		topic := block.expiredTopics[i]
		db.subBalance(db.reserveFund, topic.Balance)
		db.topics[topic.Key] = topic
		db.topicList = append([]*Topic{topic}, db.topicList...)
		topic.Owner.addOwnTopic(topic)
		for _, member := range topic.members {
			member.joinTopic(topic)
		}
	}
	block.expiredTopics = nil

	for i := len(block.txs) - 1; i >= 0; i-- {
		db.revertTx(block, &block.txs[i])
	}
	reverted := block.txs
	block.txs = nil

	db.latestBlock = block.Parent

	return reverted, nil
}

// =============================================================================

// applyTx validates one transaction against the current state and applies
// its effects. Validation completes before the first mutation, so a failure
// leaves no trace.
func (db *Database) applyTx(block *Block, tx *Tx) error {
	if _, exists := db.txMap[tx.ID]; exists {
		return ErrTxDuplicate
	}
	if !tx.InBlockWindow(block.ID) {
		return ErrTxAnchor
	}

	switch tx.Type {
	case TxRegister:
		return db.applyRegister(block, tx)
	case TxSend:
		return db.applySend(block, tx)
	case TxNewTopic:
		return db.applyNewTopic(block, tx)
	case TxReply:
		return db.applyReply(block, tx)
	case TxReward:
		return db.applyReward(block, tx)
	}

	return fmt.Errorf("unknown tx type %d", tx.Type)
}

// revertTx is the exact inverse of applyTx for a transaction it applied.
func (db *Database) revertTx(block *Block, tx *Tx) {
	delete(db.txMap, tx.ID)

	switch tx.Type {
	case TxRegister:
		db.revertRegister(block, tx)
	case TxSend:
		db.revertSend(block, tx)
	case TxNewTopic:
		db.revertNewTopic(block, tx)
	case TxReply:
		db.revertReply(block, tx)
	case TxReward:
		db.revertReward(block, tx)
	}
}

// feeTarget returns the account that banks the secondary fee unit: the
// payer's referrer, or the reserve fund when the payer is a root account.
func (db *Database) feeTarget(payer *Account) *Account {
	if payer.Referrer != nil {
		return payer.Referrer
	}
	return db.reserveFund
}

// =============================================================================

func (db *Database) applyRegister(block *Block, tx *Tx) error {
	reg := tx.Register

	if _, exists := db.accountsByPubkey[tx.Pubkey]; exists {
		return ErrPubkeyTaken
	}
	if _, exists := db.accountsByName[reg.Name]; exists {
		return ErrNameTaken
	}

	referrer, exists := db.accountsByPubkey[reg.Referrer]
	if !exists {
		return fmt.Errorf("referrer: %w", ErrNoAccount)
	}

	if !VerifyRegisterSign(*tx) {
		return fmt.Errorf("referrer sign: %w", ErrBadSign)
	}

	if referrer.Balance < reg.Fee {
		return fmt.Errorf("referrer: %w", ErrInsufficient)
	}

	db.subBalance(referrer, reg.Fee)
	db.addBalance(block.Miner, 1)
	db.addBalance(db.feeTarget(referrer), 1)

	db.curAccount++
	account := newAccount(db.curAccount, reg.Name, reg.Avatar, tx.Pubkey, referrer)
	db.accountsByID[account.ID] = account
	db.accountsByName[account.Name] = account
	db.accountsByPubkey[account.Pubkey] = account
	db.accountsByRich.ReplaceOrInsert(richItem{account: account, balance: 0})

	db.txMap[tx.ID] = block

	return nil
}

func (db *Database) revertRegister(block *Block, tx *Tx) {
	reg := tx.Register
	account := db.accountsByPubkey[tx.Pubkey]
	referrer := account.Referrer

	db.accountsByRich.Delete(richItem{account: account, balance: account.Balance})
	delete(db.accountsByID, account.ID)
	delete(db.accountsByName, account.Name)
	delete(db.accountsByPubkey, account.Pubkey)
	db.curAccount--

	db.subBalance(db.feeTarget(referrer), 1)
	db.subBalance(block.Miner, 1)
	db.addBalance(referrer, reg.Fee)
}

func (db *Database) applySend(block *Block, tx *Tx) error {
	send := tx.Send

	author, exists := db.accountsByPubkey[tx.Pubkey]
	if !exists {
		return ErrNoAccount
	}

	receiver, exists := db.accountsByPubkey[send.Receiver]
	if !exists {
		return fmt.Errorf("receiver: %w", ErrNoAccount)
	}

	if author.Balance < send.Amount+send.Fee {
		return ErrInsufficient
	}

	db.subBalance(author, send.Amount+send.Fee)
	db.addBalance(receiver, send.Amount)
	db.addBalance(block.Miner, 1)
	db.addBalance(db.feeTarget(author), 1)

	db.txMap[tx.ID] = block

	return nil
}

func (db *Database) revertSend(block *Block, tx *Tx) {
	send := tx.Send
	author := db.accountsByPubkey[tx.Pubkey]
	receiver := db.accountsByPubkey[send.Receiver]

	db.subBalance(db.feeTarget(author), 1)
	db.subBalance(block.Miner, 1)
	db.subBalance(receiver, send.Amount)
	db.addBalance(author, send.Amount+send.Fee)
}

func (db *Database) applyNewTopic(block *Block, tx *Tx) error {
	nt := tx.NewTopic

	author, exists := db.accountsByPubkey[tx.Pubkey]
	if !exists {
		return ErrNoAccount
	}

	if _, exists := db.topics[tx.ID]; exists {
		return ErrTxDuplicate
	}

	if !author.CanOpenTopic(0) {
		return ErrTopicLimit
	}

	if author.Balance < nt.Reward+nt.Fee {
		return ErrInsufficient
	}

	db.subBalance(author, nt.Reward+nt.Fee)
	db.addBalance(block.Miner, 1)
	db.addBalance(db.feeTarget(author), 1)

	topic := newTopic(tx.ID, nt.Topic, block.ID, author, nt.Reward)
	db.topics[tx.ID] = topic
	db.topicList = append(db.topicList, topic)
	author.addOwnTopic(topic)

	db.txMap[tx.ID] = block

	return nil
}

func (db *Database) revertNewTopic(block *Block, tx *Tx) {
	nt := tx.NewTopic
	author := db.accountsByPubkey[tx.Pubkey]
	topic := db.topics[tx.ID]

	author.removeOwnTopic(topic)
	delete(db.topics, tx.ID)
	for i := len(db.topicList) - 1; i >= 0; i-- {
		if db.topicList[i] == topic {
			db.topicList = append(db.topicList[:i], db.topicList[i+1:]...)
			break
		}
	}

	db.subBalance(db.feeTarget(author), 1)
	db.subBalance(block.Miner, 1)
	db.addBalance(author, nt.Reward+nt.Fee)
}

func (db *Database) applyReply(block *Block, tx *Tx) error {
	rp := tx.Reply

	author, exists := db.accountsByPubkey[tx.Pubkey]
	if !exists {
		return ErrNoAccount
	}

	topic, exists := db.topics[rp.TopicKey]
	if !exists {
		return ErrNoTopic
	}

	var replyTo *Reply
	if rp.ReplyTo != "" {
		replyTo, exists = topic.GetReply(rp.ReplyTo)
		if !exists {
			return ErrNoReply
		}
	}

	if !topic.CanReply(0) {
		return ErrTopicFull
	}

	if author.Balance < rp.Fee {
		return ErrInsufficient
	}

	joins := author != topic.Owner && !author.Joined(topic.Key)
	if joins && !author.CanJoinTopic(0) {
		return ErrJoinLimit
	}

	db.subBalance(author, rp.Fee)
	db.addBalance(block.Miner, 1)
	db.addBalance(db.feeTarget(author), 1)

	reply := Reply{
		Key:     tx.ID,
		Kind:    ReplyText,
		Data:    rp.Reply,
		Owner:   author,
		ReplyTo: replyTo,
	}
	topic.addReply(&reply)

	if joins {
		topic.addMember(author)
		author.joinTopic(topic)
		tx.joinedTopic = true
	}

	db.txMap[tx.ID] = block

	return nil
}

func (db *Database) revertReply(block *Block, tx *Tx) {
	rp := tx.Reply
	author := db.accountsByPubkey[tx.Pubkey]
	topic := db.topics[rp.TopicKey]

	if tx.joinedTopic {
		topic.removeMember(author)
		author.leaveTopic(topic)
		tx.joinedTopic = false
	}

	topic.removeReply(tx.ID)

	db.subBalance(db.feeTarget(author), 1)
	db.subBalance(block.Miner, 1)
	db.addBalance(author, rp.Fee)
}

func (db *Database) applyReward(block *Block, tx *Tx) error {
	rw := tx.Reward

	author, exists := db.accountsByPubkey[tx.Pubkey]
	if !exists {
		return ErrNoAccount
	}

	topic, exists := db.topics[rw.TopicKey]
	if !exists {
		return ErrNoTopic
	}

	if topic.Owner != author {
		return ErrNotOwner
	}

	replyTo, exists := topic.GetReply(rw.ReplyTo)
	if !exists {
		return ErrNoReply
	}
	if replyTo.Kind == ReplyReward {
		return ErrRewardMarker
	}

	if !topic.CanReply(0) {
		return ErrTopicFull
	}

	if topic.Balance < rw.Amount {
		return ErrPoolExhausted
	}

	if author.Balance < rw.Fee {
		return ErrInsufficient
	}

	db.subBalance(author, rw.Fee)
	db.addBalance(block.Miner, 1)
	db.addBalance(db.feeTarget(author), 1)

	topic.Balance -= rw.Amount
	replyTo.Balance += rw.Amount
	db.addBalance(replyTo.Owner, rw.Amount)

	marker := Reply{
		Key:     tx.ID,
		Kind:    ReplyReward,
		Owner:   author,
		ReplyTo: replyTo,
		Balance: rw.Amount,
	}
	topic.addReply(&marker)

	db.txMap[tx.ID] = block

	return nil
}

func (db *Database) revertReward(block *Block, tx *Tx) {
	rw := tx.Reward
	author := db.accountsByPubkey[tx.Pubkey]
	topic := db.topics[rw.TopicKey]
	replyTo, _ := topic.GetReply(rw.ReplyTo)

	topic.removeReply(tx.ID)

	db.subBalance(replyTo.Owner, rw.Amount)
	replyTo.Balance -= rw.Amount
	topic.Balance += rw.Amount

	db.subBalance(db.feeTarget(author), 1)
	db.subBalance(block.Miner, 1)
	db.addBalance(author, rw.Fee)
}

// =============================================================================

// procTopicExpired sweeps topics whose lifetime ended before this block and
// returns their unclaimed pools to the reserve fund. The swept topics are
// journaled on the block for exact reversal.
func (db *Database) procTopicExpired(block *Block) {
	for len(db.topicList) > 0 {
		topic := db.topicList[0]
		if topic.BlockID+topicLifetime >= block.ID {
			break
		}

		db.topicList = db.topicList[1:]
		delete(db.topics, topic.Key)
		topic.Owner.removeOwnTopic(topic)
		for _, member := range topic.members {
			member.leaveTopic(topic)
		}

		db.addBalance(db.reserveFund, topic.Balance)
		block.expiredTopics = append(block.expiredTopics, topic)

		db.evHandler("database: procTopicExpired: topic[%s] expired at blk[%d]", topic.Key, block.ID)
	}
}

// procTxMap records the block's transaction ids in the duplicate map and
// drops ids from blocks that fell out of the anchor window.
func (db *Database) procTxMap(block *Block) {
	for _, tx := range block.txs {
		db.txMap[tx.ID] = block
	}
	db.txOrder = append(db.txOrder, block)

	for len(db.txOrder) > 0 {
		oldest := db.txOrder[0]
		if oldest.ID+txBlockWindow >= block.ID {
			break
		}
		for _, tx := range oldest.txs {
			delete(db.txMap, tx.ID)
		}
		db.txOrder = db.txOrder[1:]
	}
}
