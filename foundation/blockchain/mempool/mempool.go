// Package mempool maintains the pool of broadcast transactions that are not
// yet part of a block. Transactions whose dependencies are satisfied reserve
// their resources against the world state and wait in the verified queue;
// transactions referencing entities that don't exist yet wait in the
// deferred queue and are reclassified every time a block commits.
package mempool

import (
	"sync"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
)

// maxPoolTxs bounds the total number of transactions held across both
// queues.
const maxPoolTxs = 100_000

// Status describes what AddTx did with a transaction.
type Status int

const (
	StatusRejected Status = iota // Structurally fine but can never apply.
	StatusKnown                  // Already pooled or already in a block.
	StatusVerified               // Resources reserved, ready for a block.
	StatusDeferred               // Waiting on an entity that doesn't exist yet.
)

// =============================================================================

// poolTx wraps a transaction with its pool bookkeeping.
type poolTx struct {
	tx        database.Tx
	broadcast bool

	// reservedJoin records that the reservation included a joined-topic
	// slot, since the join state may have changed by release time.
	reservedJoin bool
}

// Mempool represents the two-stage unverified transaction pool.
type Mempool struct {
	mu sync.Mutex

	db *database.Database

	verified      map[string]*poolTx
	verifiedOrder []*poolTx
	deferred      []*poolTx

	// Names and pubkeys claimed by pending register transactions, so two
	// pending registrations can't race for the same identity.
	pendingNames map[string]string
	pendingKeys  map[string]string

	evHandler func(v string, args ...any)
}

// New constructs a mempool bound to the world state it reserves against.
func New(db *database.Database, evHandler func(v string, args ...any)) *Mempool {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	return &Mempool{
		db:           db,
		verified:     make(map[string]*poolTx),
		pendingNames: make(map[string]string),
		pendingKeys:  make(map[string]string),
		evHandler:    ev,
	}
}

// Count returns the number of pooled transactions in both queues.
func (mp *Mempool) Count() (verified int, deferred int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return len(mp.verified), len(mp.deferred)
}

// =============================================================================

// AddTx classifies a structurally valid transaction against the current
// world state. The returned broadcast flag is true exactly once per admitted
// transaction id.
func (mp *Mempool) AddTx(tx database.Tx) (Status, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.knownLocked(tx.ID) {
		return StatusKnown, false
	}

	if len(mp.verified)+len(mp.deferred) >= maxPoolTxs {
		mp.evHandler("mempool: AddTx: pool full, dropping tx[%s]", tx.ID)
		return StatusRejected, false
	}

	status := mp.admitLocked(&poolTx{tx: tx})
	if status == StatusVerified || status == StatusDeferred {
		return status, mp.markBroadcastLocked(tx.ID)
	}

	return status, false
}

// Verified returns up to max verified transactions in arrival order, for
// assembly into the next mined block.
func (mp *Mempool) Verified(max int) []database.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if max < 0 || max > len(mp.verifiedOrder) {
		max = len(mp.verifiedOrder)
	}

	txs := make([]database.Tx, 0, max)
	for _, ptx := range mp.verifiedOrder[:max] {
		txs = append(txs, ptx.tx)
	}

	return txs
}

// OnBlockApplied removes the block's transactions from both queues,
// releases their reservations, and reclassifies the deferred queue against
// the new state.
func (mp *Mempool) OnBlockApplied(block *database.Block) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range block.Txs() {
		mp.removeLocked(tx.ID)
	}

	mp.reclassifyLocked()
}

// OnBlockReverted re-admits transactions that a reorganization removed from
// the chain. Still-valid transactions land back in the verified queue, those
// still waiting on a dependency or funds go to the deferred queue, and
// rejected ones are dropped.
func (mp *Mempool) OnBlockReverted(txs []database.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		if mp.knownLocked(tx.ID) {
			continue
		}
		ptx := poolTx{tx: tx, broadcast: true}
		mp.admitLocked(&ptx)
	}
}

// =============================================================================

func (mp *Mempool) knownLocked(txID string) bool {
	if _, exists := mp.verified[txID]; exists {
		return true
	}
	for _, ptx := range mp.deferred {
		if ptx.tx.ID == txID {
			return true
		}
	}
	return mp.db.TxKnown(txID)
}

// markBroadcastLocked flips the broadcast flag for the pooled transaction
// and reports whether it was the first time.
func (mp *Mempool) markBroadcastLocked(txID string) bool {
	if ptx, exists := mp.verified[txID]; exists {
		if ptx.broadcast {
			return false
		}
		ptx.broadcast = true
		return true
	}
	for _, ptx := range mp.deferred {
		if ptx.tx.ID == txID {
			if ptx.broadcast {
				return false
			}
			ptx.broadcast = true
			return true
		}
	}
	return false
}

// admitLocked classifies the transaction, reserving resources when it is
// fully satisfiable now, deferring when a dependency is missing.
func (mp *Mempool) admitLocked(ptx *poolTx) Status {
	status := mp.classifyLocked(ptx.tx, false)

	switch status {
	case StatusVerified:
		mp.reserveLocked(ptx)
		mp.verified[ptx.tx.ID] = ptx
		mp.verifiedOrder = append(mp.verifiedOrder, ptx)
	case StatusDeferred:
		mp.deferred = append(mp.deferred, ptx)
	}

	return status
}

// classifyLocked decides what to do with a transaction. With strict set, a
// transaction whose entities exist but whose funds fell short is rejected
// instead of deferred; this is the reclassification mode after a commit.
func (mp *Mempool) classifyLocked(tx database.Tx, strict bool) Status {
	short := StatusDeferred
	if strict {
		short = StatusRejected
	}

	switch tx.Type {
	case database.TxRegister:
		reg := tx.Register
		if _, exists := mp.db.GetAccount(tx.Pubkey); exists {
			return StatusRejected
		}
		if owner, claimed := mp.pendingKeys[tx.Pubkey]; claimed && owner != tx.ID {
			return StatusRejected
		}
		if mp.db.AccountNameExists(reg.Name) {
			return StatusRejected
		}
		if owner, claimed := mp.pendingNames[reg.Name]; claimed && owner != tx.ID {
			return StatusRejected
		}
		referrer, exists := mp.db.GetAccount(reg.Referrer)
		if !exists {
			return StatusDeferred
		}
		if !database.VerifyRegisterSign(tx) {
			return StatusRejected
		}
		if freeBalance(referrer) < reg.Fee {
			return short
		}
		return StatusVerified

	case database.TxSend:
		send := tx.Send
		author, exists := mp.db.GetAccount(tx.Pubkey)
		if !exists {
			return StatusDeferred
		}
		if _, exists := mp.db.GetAccount(send.Receiver); !exists {
			return StatusDeferred
		}
		if freeBalance(author) < send.Amount+send.Fee {
			return short
		}
		return StatusVerified

	case database.TxNewTopic:
		nt := tx.NewTopic
		author, exists := mp.db.GetAccount(tx.Pubkey)
		if !exists {
			return StatusDeferred
		}
		if !author.CanOpenTopic(author.UvTopic) {
			return short
		}
		if freeBalance(author) < nt.Reward+nt.Fee {
			return short
		}
		return StatusVerified

	case database.TxReply:
		rp := tx.Reply
		author, exists := mp.db.GetAccount(tx.Pubkey)
		if !exists {
			return StatusDeferred
		}
		topic, exists := mp.db.GetTopic(rp.TopicKey)
		if !exists {
			return StatusDeferred
		}
		if rp.ReplyTo != "" {
			if _, exists := topic.GetReply(rp.ReplyTo); !exists {
				return StatusDeferred
			}
		}
		if !topic.CanReply(topic.UvReply) {
			return short
		}
		if author != topic.Owner && !author.Joined(topic.Key) {
			if !author.CanJoinTopic(author.UvJoinTopic) {
				return short
			}
		}
		if freeBalance(author) < rp.Fee {
			return short
		}
		return StatusVerified

	case database.TxReward:
		rw := tx.Reward
		author, exists := mp.db.GetAccount(tx.Pubkey)
		if !exists {
			return StatusDeferred
		}
		topic, exists := mp.db.GetTopic(rw.TopicKey)
		if !exists {
			return StatusDeferred
		}
		if topic.Owner != author {
			return StatusRejected
		}
		replyTo, exists := topic.GetReply(rw.ReplyTo)
		if !exists {
			return StatusDeferred
		}
		if replyTo.Kind == database.ReplyReward {
			return StatusRejected
		}
		if !topic.CanReply(topic.UvReply) {
			return short
		}
		if topic.Balance < topic.UvReward+rw.Amount {
			return short
		}
		if freeBalance(author) < rw.Fee {
			return short
		}
		return StatusVerified
	}

	return StatusRejected
}

// reserveLocked books the transaction's resources on the world state.
func (mp *Mempool) reserveLocked(ptx *poolTx) {
	tx := ptx.tx

	switch tx.Type {
	case database.TxRegister:
		referrer, _ := mp.db.GetAccount(tx.Register.Referrer)
		referrer.UvSpend += tx.Register.Fee
		mp.pendingNames[tx.Register.Name] = tx.ID
		mp.pendingKeys[tx.Pubkey] = tx.ID

	case database.TxSend:
		author, _ := mp.db.GetAccount(tx.Pubkey)
		author.UvSpend += tx.Send.Amount + tx.Send.Fee

	case database.TxNewTopic:
		author, _ := mp.db.GetAccount(tx.Pubkey)
		author.UvSpend += tx.NewTopic.Reward + tx.NewTopic.Fee
		author.UvTopic++

	case database.TxReply:
		author, _ := mp.db.GetAccount(tx.Pubkey)
		author.UvSpend += tx.Reply.Fee
		if topic, exists := mp.db.GetTopic(tx.Reply.TopicKey); exists {
			topic.UvReply++
			if author != topic.Owner && !author.Joined(topic.Key) {
				author.UvJoinTopic++
				ptx.reservedJoin = true
			}
		}

	case database.TxReward:
		author, _ := mp.db.GetAccount(tx.Pubkey)
		author.UvSpend += tx.Reward.Fee
		if topic, exists := mp.db.GetTopic(tx.Reward.TopicKey); exists {
			topic.UvReply++
			topic.UvReward += tx.Reward.Amount
		}
	}
}

// releaseLocked is the inverse of reserveLocked.
func (mp *Mempool) releaseLocked(ptx *poolTx) {
	tx := ptx.tx

	switch tx.Type {
	case database.TxRegister:
		if referrer, exists := mp.db.GetAccount(tx.Register.Referrer); exists {
			subUv(&referrer.UvSpend, tx.Register.Fee)
		}
		delete(mp.pendingNames, tx.Register.Name)
		delete(mp.pendingKeys, tx.Pubkey)

	case database.TxSend:
		if author, exists := mp.db.GetAccount(tx.Pubkey); exists {
			subUv(&author.UvSpend, tx.Send.Amount+tx.Send.Fee)
		}

	case database.TxNewTopic:
		if author, exists := mp.db.GetAccount(tx.Pubkey); exists {
			subUv(&author.UvSpend, tx.NewTopic.Reward+tx.NewTopic.Fee)
			subUv(&author.UvTopic, 1)
		}

	case database.TxReply:
		author, authorExists := mp.db.GetAccount(tx.Pubkey)
		if authorExists {
			subUv(&author.UvSpend, tx.Reply.Fee)
			if ptx.reservedJoin {
				subUv(&author.UvJoinTopic, 1)
				ptx.reservedJoin = false
			}
		}
		if topic, exists := mp.db.GetTopic(tx.Reply.TopicKey); exists {
			subUv(&topic.UvReply, 1)
		}

	case database.TxReward:
		if author, exists := mp.db.GetAccount(tx.Pubkey); exists {
			subUv(&author.UvSpend, tx.Reward.Fee)
		}
		if topic, exists := mp.db.GetTopic(tx.Reward.TopicKey); exists {
			subUv(&topic.UvReply, 1)
			subUv(&topic.UvReward, tx.Reward.Amount)
		}
	}
}

// removeLocked drops a transaction from whichever queue holds it, releasing
// reservations when it was verified.
func (mp *Mempool) removeLocked(txID string) {
	if ptx, exists := mp.verified[txID]; exists {
		delete(mp.verified, txID)
		for i, cur := range mp.verifiedOrder {
			if cur == ptx {
				mp.verifiedOrder = append(mp.verifiedOrder[:i], mp.verifiedOrder[i+1:]...)
				break
			}
		}
		mp.releaseLocked(ptx)
		return
	}

	for i, ptx := range mp.deferred {
		if ptx.tx.ID == txID {
			mp.deferred = append(mp.deferred[:i], mp.deferred[i+1:]...)
			return
		}
	}
}

// reclassifyLocked re-evaluates every deferred transaction after a commit.
// Satisfiable transactions move to the verified queue; transactions whose
// entities now exist but whose funds fell short are dropped for good.
func (mp *Mempool) reclassifyLocked() {
	remaining := mp.deferred[:0]

	for _, ptx := range mp.deferred {
		switch mp.classifyLocked(ptx.tx, true) {
		case StatusVerified:
			mp.reserveLocked(ptx)
			mp.verified[ptx.tx.ID] = ptx
			mp.verifiedOrder = append(mp.verifiedOrder, ptx)
		case StatusDeferred:
			remaining = append(remaining, ptx)
		default:
			mp.evHandler("mempool: reclassify: dropping tx[%s]", ptx.tx.ID)
		}
	}

	mp.deferred = remaining
}

// =============================================================================

func freeBalance(account *database.Account) uint64 {
	if account.UvSpend > account.Balance {
		return 0
	}
	return account.Balance - account.UvSpend
}

func subUv(counter *uint64, v uint64) {
	if *counter < v {
		*counter = 0
		return
	}
	*counter -= v
}
