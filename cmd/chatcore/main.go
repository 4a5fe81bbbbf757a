package main

import (
	"os"

	"github.com/opd-ai/chatcore/cmd/chatcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
