package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/chatcore"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer-id>",
		Short: "Open an encrypted conversation with a peer and chat from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			peerID := args[0]

			opts := chatcore.NewOptions()
			opts.DataDir = dataDir
			opts.UserID = userID
			opts.ServerURL = serverURL
			opts.APIBaseURL = apiURL
			opts.OnPreview = func(senderID, roomID, preview string) {
				fmt.Printf("\n[%s] %s\n> ", senderID, preview)
			}
			opts.OnNotice = func(message string) {
				fmt.Printf("\n!! %s\n", message)
			}
			opts.OnLogout = func() {
				os.Exit(0)
			}

			client, err := chatcore.New(opts)
			if err != nil {
				return err
			}

			// The CLI is always "focused and foregrounded".
			client.SetAppForegrounded(true)
			client.SetViewFocused(true)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conv, err := client.OpenConversation(ctx, peerID)
			cancel()
			if err != nil {
				return fmt.Errorf("opening conversation (is the peer registered?): %w", err)
			}
			defer conv.Close()

			if _, err := conv.LoadPage(context.Background(), 1); err == nil {
				for _, msg := range conv.Messages() {
					fmt.Printf("[%s] %s\n", msg.AuthorID, msg.Plaintext)
				}
			}

			fmt.Printf("chatting with %s, ^D to quit\n> ", peerID)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					fmt.Print("> ")
					continue
				}
				if _, err := conv.Send(text); err != nil {
					fmt.Printf("send failed (message stays pending): %v\n", err)
				}
				fmt.Print("> ")
			}

			return client.Logout()
		},
	}
}
