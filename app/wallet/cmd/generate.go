package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keyPath); err == nil {
			return fmt.Errorf("refusing to overwrite existing key file %s", keyPath)
		}

		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return err
		}

		encoded := base64.StdEncoding.EncodeToString(priv.Serialize())
		if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
			return err
		}

		fmt.Printf("key written to %s\n", keyPath)
		fmt.Printf("pubkey: %s\n", signature.EncodePubkey(priv.PubKey()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
}
