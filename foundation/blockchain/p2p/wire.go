package p2p

import (
	"encoding/json"

	"github.com/askcoin/askcoin/foundation/blockchain/accum"
)

// MaxMessageLength bounds a single peer message. The transport enforces it
// before the JSON parse ever runs.
const MaxMessageLength = 1024 * 1024

// Message types.
const (
	MsgReg uint32 = iota
	MsgSys
	MsgBlock
	MsgTx
	MsgProbe
)

// MSG_REG commands.
const (
	RegReq uint32 = iota
	RegRsp
	RegVerifyReq
	RegVerifyRsp
)

// MSG_SYS commands.
const (
	SysPing uint32 = iota
	SysPong
)

// MSG_BLOCK commands.
const (
	BlockBroadcast uint32 = iota
	BlockBriefReq
	BlockBriefRsp
	BlockDetailReq
	BlockDetailRsp
)

// MSG_TX commands.
const (
	TxBroadcast uint32 = iota
)

// =============================================================================

// Header carries the two fields every peer message must have.
type Header struct {
	MsgType uint32 `json:"msg_type"`
	MsgCmd  uint32 `json:"msg_cmd"`
}

// RegMsg covers the four handshake messages. Which fields are meaningful
// depends on the command; struct validation checks only the host format, and
// the handlers check the rest per command.
type RegMsg struct {
	MsgType uint32 `json:"msg_type"`
	MsgCmd  uint32 `json:"msg_cmd"`
	Host    string `json:"host,omitempty" validate:"omitempty,hostname|ip"`
	Port    uint16 `json:"port,omitempty"`
	ID      uint64 `json:"id"`
	Key     uint32 `json:"key"`
	Version uint32 `json:"version,omitempty"`
}

// SysMsg is a heartbeat.
type SysMsg struct {
	MsgType uint32 `json:"msg_type"`
	MsgCmd  uint32 `json:"msg_cmd"`
}

// BlockMsg covers broadcasts, brief and detail requests and responses. Data
// stays raw so its hash can be recomputed over the exact received bytes.
type BlockMsg struct {
	MsgType uint32            `json:"msg_type"`
	MsgCmd  uint32            `json:"msg_cmd"`
	Hash    string            `json:"hash,omitempty"`
	Sign    string            `json:"sign,omitempty"`
	Pow     []uint32          `json:"pow,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Tx      []json.RawMessage `json:"tx,omitempty"`
}

// TxMsg carries a broadcast transaction.
type TxMsg struct {
	MsgType uint32          `json:"msg_type"`
	MsgCmd  uint32          `json:"msg_cmd"`
	Sign    string          `json:"sign"`
	Data    json.RawMessage `json:"data"`
}

// =============================================================================

// NewBlockBroadcast builds the broadcast for a freshly committed block,
// carrying the declared accumulated work so receivers can gate on it before
// fetching details.
func NewBlockBroadcast(hash string, sign string, data json.RawMessage, pow accum.Pow) BlockMsg {
	wire := pow.Wire()
	return BlockMsg{
		MsgType: MsgBlock,
		MsgCmd:  BlockBroadcast,
		Hash:    hash,
		Sign:    sign,
		Pow:     wire[:],
		Data:    data,
	}
}

// Message is one inbound peer message handed to the chain layer: the raw
// bytes plus the registered session it arrived on.
type Message struct {
	Type uint32
	Cmd  uint32
	Raw  []byte
	Peer *Peer
}
