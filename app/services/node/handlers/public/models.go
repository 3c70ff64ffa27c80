package public

import "github.com/askcoin/askcoin/foundation/blockchain/database"

type nodeStatus struct {
	TipID       uint64 `json:"tip_id"`
	TipHash     string `json:"tip_hash"`
	TipUTC      uint64 `json:"tip_utc"`
	ZeroBits    uint32 `json:"zero_bits"`
	TotalCoin   uint64 `json:"total_coin"`
	MempoolV    int    `json:"mempool_verified"`
	MempoolD    int    `json:"mempool_deferred"`
	Peers       int    `json:"peers"`
	IsSwitching bool   `json:"is_switching"`
}

type accountInfo struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Avatar  uint64 `json:"avatar"`
	Pubkey  string `json:"pubkey"`
	Balance uint64 `json:"balance"`
}

func toAccountInfo(acct *database.Account) accountInfo {
	return accountInfo{
		ID:      acct.ID,
		Name:    acct.Name,
		Avatar:  acct.Avatar,
		Pubkey:  acct.Pubkey,
		Balance: acct.Balance,
	}
}

type replyInfo struct {
	Key     string `json:"key"`
	Kind    uint32 `json:"kind"`
	Data    string `json:"data,omitempty"`
	Owner   string `json:"owner"`
	ReplyTo string `json:"reply_to,omitempty"`
	Balance uint64 `json:"balance"`
}

type topicInfo struct {
	Key     string      `json:"key"`
	Data    string      `json:"data"`
	BlockID uint64      `json:"block_id"`
	Owner   string      `json:"owner"`
	Balance uint64      `json:"balance"`
	Replies int         `json:"replies"`
	Detail  []replyInfo `json:"detail,omitempty"`
}

func toTopicInfo(topic *database.Topic, detail bool) topicInfo {
	info := topicInfo{
		Key:     topic.Key,
		Data:    topic.Data,
		BlockID: topic.BlockID,
		Owner:   topic.Owner.Name,
		Balance: topic.Balance,
		Replies: topic.ReplyCount(),
	}

	if detail {
		for _, reply := range topic.Replies() {
			ri := replyInfo{
				Key:     reply.Key,
				Kind:    reply.Kind,
				Data:    reply.Data,
				Owner:   reply.Owner.Name,
				Balance: reply.Balance,
			}
			if reply.ReplyTo != nil {
				ri.ReplyTo = reply.ReplyTo.Key
			}
			info.Detail = append(info.Detail, ri)
		}
	}

	return info
}
