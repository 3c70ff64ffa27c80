package database

import (
	"encoding/base64"

	"github.com/google/btree"
)

// ReserveFundID is the id of the special account that banks orphan fees and
// funds the per-block miner subsidy.
const ReserveFundID = 0

// maxOwnTopics and maxJoinedTopics bound how many topics a single account may
// open or participate in at any time.
const (
	maxOwnTopics    = 100
	maxJoinedTopics = 100
)

// Account represents a registered account in the world state. All mutation
// happens on the chain goroutine through Database methods.
type Account struct {
	ID       uint64
	Name     string
	Avatar   uint64
	Pubkey   string
	Balance  uint64
	Referrer *Account

	ownTopics    []*Topic
	joinedTopics map[string]*Topic

	// Resources reserved by mempool transactions from this account.
	UvSpend     uint64
	UvTopic     uint64
	UvJoinTopic uint64
}

func newAccount(id uint64, name string, avatar uint64, pubkey string, referrer *Account) *Account {
	return &Account{
		ID:           id,
		Name:         name,
		Avatar:       avatar,
		Pubkey:       pubkey,
		Referrer:     referrer,
		joinedTopics: make(map[string]*Topic),
	}
}

// IsRoot reports whether this account has no referrer, which makes it a root
// account whose orphan fees flow to the reserve fund.
func (a *Account) IsRoot() bool {
	return a.Referrer == nil
}

// CanOpenTopic reports whether the account is below its owned-topic cap,
// counting slots already reserved by the mempool.
func (a *Account) CanOpenTopic(pending uint64) bool {
	return uint64(len(a.ownTopics))+pending < maxOwnTopics
}

// CanJoinTopic reports whether the account is below its participation cap,
// counting slots already reserved by the mempool.
func (a *Account) CanJoinTopic(pending uint64) bool {
	return uint64(len(a.joinedTopics))+pending < maxJoinedTopics
}

// Joined reports whether the account already participates in the topic.
func (a *Account) Joined(topicKey string) bool {
	_, joined := a.joinedTopics[topicKey]
	return joined
}

// OwnTopicCount returns how many topics the account currently owns.
func (a *Account) OwnTopicCount() int {
	return len(a.ownTopics)
}

// JoinedTopicCount returns how many topics the account participates in.
func (a *Account) JoinedTopicCount() int {
	return len(a.joinedTopics)
}

func (a *Account) addOwnTopic(topic *Topic) {
	a.ownTopics = append(a.ownTopics, topic)
}

func (a *Account) removeOwnTopic(topic *Topic) {
	for i, t := range a.ownTopics {
		if t == topic {
			a.ownTopics = append(a.ownTopics[:i], a.ownTopics[i+1:]...)
			return
		}
	}
}

func (a *Account) joinTopic(topic *Topic) {
	a.joinedTopics[topic.Key] = topic
}

func (a *Account) leaveTopic(topic *Topic) {
	delete(a.joinedTopics, topic.Key)
}

// =============================================================================

// richItem orders accounts by balance descending inside the rich list. Ties
// break on the lower account id.
type richItem struct {
	account *Account
	balance uint64
}

// Less implements btree.Item. The richest account sorts first.
func (r richItem) Less(than btree.Item) bool {
	other := than.(richItem)
	if r.balance != other.balance {
		return r.balance > other.balance
	}
	return r.account.ID < other.account.ID
}

// =============================================================================

// ValidName reports whether an account name is acceptable: 4 to 20 base64
// characters whose decoded form is 1 to 15 bytes containing no whitespace.
func ValidName(name string) bool {
	if len(name) < 4 || len(name) > 20 {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(name)
	if err != nil {
		return false
	}

	if len(decoded) < 1 || len(decoded) > 15 {
		return false
	}

	for _, b := range decoded {
		switch b {
		case ' ', '\t', '\n', '\v', '\f', '\r':
			return false
		}
	}

	return true
}
