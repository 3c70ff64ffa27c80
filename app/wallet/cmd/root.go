// Package cmd implements the wallet command line tooling: key generation
// and offline transaction crafting.
package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"
)

var keyPath string

var rootCmd = &cobra.Command{
	Use:   "wallet",
	Short: "askcoin wallet tooling",
	Long:  "Generate keys and craft signed transactions for the askcoin network.",
}

// Execute runs the wallet command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keyPath, "key", "k", "wallet.key", "path to the private key file")
}

// loadKey reads the base64 private key from the configured path.
func loadKey() (*btcec.PrivateKey, error) {
	content, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read key file: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(content))
	if err != nil {
		return nil, fmt.Errorf("unable to decode key file: %w", err)
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
