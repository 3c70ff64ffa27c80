package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/database"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/spf13/cobra"
)

var (
	sendReceiver string
	sendAmount   uint64
	sendMemo     string
	sendBlockID  uint64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Craft a signed send transaction",
	Long: `Craft a signed send transaction and print the TX_BROADCAST message to
stdout. The block id anchors the transaction near the current tip; ask any
node for its status to get one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := loadKey()
		if err != nil {
			return err
		}

		if len(sendReceiver) != signature.PubkeyB64Len {
			return fmt.Errorf("receiver must be an %d character pubkey", signature.PubkeyB64Len)
		}
		if sendAmount == 0 {
			return fmt.Errorf("amount must be positive")
		}

		data := struct {
			Type     uint32 `json:"type"`
			UTC      uint64 `json:"utc"`
			BlockID  uint64 `json:"block_id"`
			Fee      uint64 `json:"fee"`
			Pubkey   string `json:"pubkey"`
			Receiver string `json:"receiver"`
			Amount   uint64 `json:"amount"`
			Memo     string `json:"memo,omitempty"`
		}{
			Type:     database.TxSend,
			UTC:      uint64(time.Now().Unix()),
			BlockID:  sendBlockID,
			Fee:      database.TxFee,
			Pubkey:   signature.EncodePubkey(priv.PubKey()),
			Receiver: sendReceiver,
			Amount:   sendAmount,
			Memo:     sendMemo,
		}

		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}

		txID := signature.Hash(raw)
		sign, err := signature.Sign(priv, txID)
		if err != nil {
			return err
		}

		msg := struct {
			MsgType uint32          `json:"msg_type"`
			MsgCmd  uint32          `json:"msg_cmd"`
			Sign    string          `json:"sign"`
			Data    json.RawMessage `json:"data"`
		}{p2p.MsgTx, p2p.TxBroadcast, sign, raw}

		out, err := json.MarshalIndent(msg, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(out))
		fmt.Printf("tx id: %s\n", txID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendReceiver, "to", "", "receiver pubkey")
	sendCmd.Flags().Uint64Var(&sendAmount, "amount", 0, "amount to send")
	sendCmd.Flags().StringVar(&sendMemo, "memo", "", "optional base64 memo")
	sendCmd.Flags().Uint64Var(&sendBlockID, "block-id", 1, "anchor block id")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(sendCmd)
}
