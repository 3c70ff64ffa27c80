package database

// maxReplies bounds how many replies (reward markers included) a topic can
// carry before further replies and rewards are rejected.
const maxReplies = 1000

// Reply kinds. A reward marker is the synthetic reply appended when the topic
// owner rewards an earlier reply.
const (
	ReplyText   uint32 = 0
	ReplyReward uint32 = 1
)

// Reply represents one reply inside a topic. Balance records the total reward
// credited through this reply; the coin itself is banked by the owner.
type Reply struct {
	Key     string
	Kind    uint32
	Data    string
	Owner   *Account
	ReplyTo *Reply
	Balance uint64
}

// =============================================================================

// Topic represents a question with a reward pool. The key equals the id of
// the transaction that created it.
type Topic struct {
	Key     string
	Data    string
	BlockID uint64
	Owner   *Account
	Balance uint64

	replies  []*Reply
	replyMap map[string]*Reply
	members  map[uint64]*Account

	// Resources reserved by mempool transactions against this topic.
	UvReply  uint64
	UvReward uint64
}

func newTopic(key string, data string, blockID uint64, owner *Account, balance uint64) *Topic {
	return &Topic{
		Key:      key,
		Data:     data,
		BlockID:  blockID,
		Owner:    owner,
		Balance:  balance,
		replyMap: make(map[string]*Reply),
		members:  make(map[uint64]*Account),
	}
}

// GetReply returns the reply with the specified key.
func (t *Topic) GetReply(key string) (*Reply, bool) {
	reply, exists := t.replyMap[key]
	return reply, exists
}

// ReplyCount returns the number of replies, reward markers included.
func (t *Topic) ReplyCount() int {
	return len(t.replies)
}

// CanReply reports whether the topic is below its reply cap, counting slots
// already reserved by the mempool.
func (t *Topic) CanReply(pending uint64) bool {
	return uint64(len(t.replies))+pending < maxReplies
}

// Replies returns the replies in insertion order.
func (t *Topic) Replies() []*Reply {
	return t.replies
}

func (t *Topic) addReply(reply *Reply) {
	t.replies = append(t.replies, reply)
	t.replyMap[reply.Key] = reply
}

func (t *Topic) removeReply(key string) {
	reply, exists := t.replyMap[key]
	if !exists {
		return
	}
	delete(t.replyMap, key)

	for i := len(t.replies) - 1; i >= 0; i-- {
		if t.replies[i] == reply {
			t.replies = append(t.replies[:i], t.replies[i+1:]...)
			return
		}
	}
}

func (t *Topic) addMember(account *Account) {
	t.members[account.ID] = account
}

func (t *Topic) removeMember(account *Account) {
	delete(t.members, account.ID)
}

// Members returns the accounts that joined this topic by replying.
func (t *Topic) Members() map[uint64]*Account {
	return t.members
}
