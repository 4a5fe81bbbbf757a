package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore/keystore"
)

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's identity public key, generating it if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := keystore.New(dataDir)
			if err != nil {
				return err
			}
			pair, cached, err := keys.EnsureIdentity()
			if err != nil {
				return err
			}
			source := "generated"
			if cached {
				source = "cached"
			}
			fmt.Printf("public key: %s (%s)\n", hex.EncodeToString(pair.Public[:]), source)
			return nil
		},
	}
}
