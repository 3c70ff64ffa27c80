package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/signature"
)

// Transaction kinds. The type field of the canonical data selects which
// payload schema applies.
const (
	TxRegister uint32 = 1
	TxSend     uint32 = 2
	TxNewTopic uint32 = 3
	TxReply    uint32 = 4
	TxReward   uint32 = 5
)

// TxFee is the fixed fee every transaction pays: one unit to the miner and
// one to the author's referrer (or the reserve fund for root authors).
const TxFee = 2

// txBlockWindow bounds how far a transaction's declared block id may sit from
// the block that applies it, and how long an applied id stays in the
// duplicate map.
const txBlockWindow = 100

// ErrBadTx is wrapped by every structural parse failure so callers can
// distinguish malformed input from logical rejection.
var ErrBadTx = errors.New("malformed transaction")

// =============================================================================

// Tx is a parsed transaction. Raw preserves the canonical data bytes whose
// double SHA-256 is the transaction id.
type Tx struct {
	ID     string
	Sign   string
	Raw    json.RawMessage
	Type   uint32
	UTC    uint64
	Pubkey string

	// BlockID is the declared anchor: the id of a block near which the
	// author expects this transaction to land.
	BlockID uint64

	Register *RegisterData
	Send     *SendData
	NewTopic *NewTopicData
	Reply    *ReplyData
	Reward   *RewardData

	// joinedTopic records whether applying this reply caused the author to
	// join the topic, so reverting can undo the membership change.
	joinedTopic bool
}

// RegisterData is the payload of a type 1 transaction. The inner sign data
// is signed by the referrer, proving the referrer agreed to pay the fee.
type RegisterData struct {
	Avatar       uint64
	Name         string
	Referrer     string
	Fee          uint64
	SignDataRaw  json.RawMessage
	ReferrerSign string
}

// SendData is the payload of a type 2 transaction.
type SendData struct {
	Receiver string
	Amount   uint64
	Fee      uint64
	Memo     string
}

// NewTopicData is the payload of a type 3 transaction.
type NewTopicData struct {
	Topic  string
	Reward uint64
	Fee    uint64
}

// ReplyData is the payload of a type 4 transaction.
type ReplyData struct {
	TopicKey string
	Reply    string
	ReplyTo  string
	Fee      uint64
}

// RewardData is the payload of a type 5 transaction.
type RewardData struct {
	TopicKey string
	ReplyTo  string
	Amount   uint64
	Fee      uint64
}

// =============================================================================

// txEnvelope mirrors the common fields of the canonical data document.
type txEnvelope struct {
	Type    uint32          `json:"type"`
	UTC     uint64          `json:"utc"`
	Pubkey  string          `json:"pubkey"`
	BlockID uint64          `json:"block_id"`
	Fee     uint64          `json:"fee"`
	Avatar  uint64          `json:"avatar"`
	Sign    string          `json:"sign"`
	Data    json.RawMessage `json:"sign_data"`

	Receiver string `json:"receiver"`
	Amount   uint64 `json:"amount"`
	Memo     string `json:"memo"`
	Topic    string `json:"topic"`
	Reward   uint64 `json:"reward"`
	TopicKey string `json:"topic_key"`
	Reply    string `json:"reply"`
	ReplyTo  string `json:"reply_to"`
}

// registerSignData mirrors the referrer-signed inner document of a type 1
// transaction. The field order is its canonical serialization.
type registerSignData struct {
	BlockID  uint64 `json:"block_id"`
	Fee      uint64 `json:"fee"`
	Name     string `json:"name"`
	Referrer string `json:"referrer"`
}

// ParseTx parses and structurally validates the canonical data bytes of a
// transaction. The id is recomputed from the bytes; sign is carried along
// unchecked so the caller can verify it against the author key.
func ParseTx(raw json.RawMessage, sign string) (Tx, error) {
	if !signature.IsBase64(sign) {
		return Tx{}, fmt.Errorf("%w: sign is not base64", ErrBadTx)
	}

	var env txEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Tx{}, fmt.Errorf("%w: %s", ErrBadTx, err)
	}

	tx := Tx{
		ID:      signature.Hash(raw),
		Sign:    sign,
		Raw:     raw,
		Type:    env.Type,
		UTC:     env.UTC,
		Pubkey:  env.Pubkey,
		BlockID: env.BlockID,
	}

	if len(tx.Pubkey) != signature.PubkeyB64Len || !signature.IsBase64(tx.Pubkey) {
		return Tx{}, fmt.Errorf("%w: bad pubkey", ErrBadTx)
	}

	switch env.Type {
	case TxRegister:
		if err := parseRegister(&tx, env); err != nil {
			return Tx{}, err
		}

	case TxSend:
		if env.Fee != TxFee {
			return Tx{}, fmt.Errorf("%w: bad fee", ErrBadTx)
		}
		if env.Amount == 0 {
			return Tx{}, fmt.Errorf("%w: zero amount", ErrBadTx)
		}
		if len(env.Receiver) != signature.PubkeyB64Len || !signature.IsBase64(env.Receiver) {
			return Tx{}, fmt.Errorf("%w: bad receiver", ErrBadTx)
		}
		if env.Memo != "" {
			if len(env.Memo) < 4 || len(env.Memo) > 80 || !validB64Payload(env.Memo) {
				return Tx{}, fmt.Errorf("%w: bad memo", ErrBadTx)
			}
		}
		tx.Send = &SendData{Receiver: env.Receiver, Amount: env.Amount, Fee: env.Fee, Memo: env.Memo}

	case TxNewTopic:
		if env.Fee != TxFee {
			return Tx{}, fmt.Errorf("%w: bad fee", ErrBadTx)
		}
		if env.Reward == 0 {
			return Tx{}, fmt.Errorf("%w: zero reward", ErrBadTx)
		}
		if len(env.Topic) < 4 || len(env.Topic) > 400 || !validB64Payload(env.Topic) {
			return Tx{}, fmt.Errorf("%w: bad topic payload", ErrBadTx)
		}
		tx.NewTopic = &NewTopicData{Topic: env.Topic, Reward: env.Reward, Fee: env.Fee}

	case TxReply:
		if env.Fee != TxFee {
			return Tx{}, fmt.Errorf("%w: bad fee", ErrBadTx)
		}
		if len(env.TopicKey) != signature.HashB64Len || !signature.IsBase64(env.TopicKey) {
			return Tx{}, fmt.Errorf("%w: bad topic key", ErrBadTx)
		}
		if len(env.Reply) < 4 || len(env.Reply) > 400 || !validB64Payload(env.Reply) {
			return Tx{}, fmt.Errorf("%w: bad reply payload", ErrBadTx)
		}
		if env.ReplyTo != "" {
			if len(env.ReplyTo) != signature.HashB64Len || !signature.IsBase64(env.ReplyTo) {
				return Tx{}, fmt.Errorf("%w: bad reply_to", ErrBadTx)
			}
		}
		tx.Reply = &ReplyData{TopicKey: env.TopicKey, Reply: env.Reply, ReplyTo: env.ReplyTo, Fee: env.Fee}

	case TxReward:
		if env.Fee != TxFee {
			return Tx{}, fmt.Errorf("%w: bad fee", ErrBadTx)
		}
		if env.Amount == 0 {
			return Tx{}, fmt.Errorf("%w: zero amount", ErrBadTx)
		}
		if len(env.TopicKey) != signature.HashB64Len || !signature.IsBase64(env.TopicKey) {
			return Tx{}, fmt.Errorf("%w: bad topic key", ErrBadTx)
		}
		if len(env.ReplyTo) != signature.HashB64Len || !signature.IsBase64(env.ReplyTo) {
			return Tx{}, fmt.Errorf("%w: bad reply_to", ErrBadTx)
		}
		tx.Reward = &RewardData{TopicKey: env.TopicKey, ReplyTo: env.ReplyTo, Amount: env.Amount, Fee: env.Fee}

	default:
		return Tx{}, fmt.Errorf("%w: unknown type %d", ErrBadTx, env.Type)
	}

	return tx, nil
}

func parseRegister(tx *Tx, env txEnvelope) error {
	if env.Avatar < 1 || env.Avatar > 100 {
		return fmt.Errorf("%w: bad avatar", ErrBadTx)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: missing sign_data", ErrBadTx)
	}
	if !signature.IsBase64(env.Sign) || env.Sign == "" {
		return fmt.Errorf("%w: bad referrer sign", ErrBadTx)
	}

	var sd registerSignData
	if err := json.Unmarshal(env.Data, &sd); err != nil {
		return fmt.Errorf("%w: %s", ErrBadTx, err)
	}

	if sd.Fee != TxFee {
		return fmt.Errorf("%w: bad fee", ErrBadTx)
	}
	if !ValidName(sd.Name) {
		return fmt.Errorf("%w: bad name", ErrBadTx)
	}
	if len(sd.Referrer) != signature.PubkeyB64Len || !signature.IsBase64(sd.Referrer) {
		return fmt.Errorf("%w: bad referrer", ErrBadTx)
	}

	// The register anchor rides in the referrer-signed inner document.
	tx.BlockID = sd.BlockID
	tx.Register = &RegisterData{
		Avatar:       env.Avatar,
		Name:         sd.Name,
		Referrer:     sd.Referrer,
		Fee:          sd.Fee,
		SignDataRaw:  env.Data,
		ReferrerSign: env.Sign,
	}

	return nil
}

// VerifyTxSign checks the author's signature over the transaction id.
func VerifyTxSign(tx Tx) bool {
	return signature.Verify(tx.Pubkey, tx.ID, tx.Sign)
}

// VerifyRegisterSign checks the referrer's signature over the inner sign
// data of a register transaction.
func VerifyRegisterSign(tx Tx) bool {
	if tx.Register == nil {
		return false
	}
	hash := signature.Hash(tx.Register.SignDataRaw)
	return signature.Verify(tx.Register.Referrer, hash, tx.Register.ReferrerSign)
}

// InBlockWindow reports whether the transaction's declared anchor lies
// within the tolerated distance of the applying block.
func (tx Tx) InBlockWindow(blockID uint64) bool {
	if tx.BlockID > blockID {
		return tx.BlockID-blockID <= txBlockWindow
	}
	return blockID-tx.BlockID <= txBlockWindow
}

// validB64Payload reports whether a user payload is made of base64
// characters.
func validB64Payload(s string) bool {
	return signature.IsBase64(s)
}
