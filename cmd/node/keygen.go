package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabstir/llm-node/internal/cryptocore"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new host identity key",
	Long: `Generate a new secp256k1 private key for this node's host identity,
used for ECDH session handshakes and on-chain checkpoint submission.

The key is printed to stdout as hex; it is the operator's responsibility
to store it securely (host_private_key_hex in the node's config).`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	priv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	defer zero(priv)

	addr, err := cryptocore.AddressFromPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("derive address: %w", err)
	}

	fmt.Printf("private_key: %s\n", hex.EncodeToString(priv))
	fmt.Printf("address:     0x%s\n", hex.EncodeToString(addr[:]))
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
