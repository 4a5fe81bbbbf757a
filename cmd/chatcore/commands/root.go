// Package commands implements the chatcore demo CLI.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	dataDir   string
	userID    string
	serverURL string
	apiURL    string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "chatcore",
		Short: "End-to-end encrypted chat demo client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(dir, ".chatcore")
			}
			return os.MkdirAll(dataDir, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "key storage dir (default ~/.chatcore)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "local user id")
	root.PersistentFlags().StringVar(&serverURL, "server", "ws://127.0.0.1:4000/ws", "relay websocket URL")
	root.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:4000", "message store base URL")

	root.AddCommand(identityCmd(), chatCmd())
	return root.Execute()
}
