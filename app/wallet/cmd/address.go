package cmd

import (
	"fmt"

	"github.com/askcoin/askcoin/foundation/blockchain/signature"
	"github.com/spf13/cobra"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the public key for the wallet key",
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := loadKey()
		if err != nil {
			return err
		}

		fmt.Println(signature.EncodePubkey(priv.PubKey()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
}
