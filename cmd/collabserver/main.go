// Command collabserver runs the shared document hub.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collabserver",
		Short: "Line-locked collaborative plain-text sync server",
		Long: "collabserver keeps one authoritative plain-text document, relays edits between\n" +
			"connected collaborators and lets each of them lock the line they are editing.",
		SilenceUsage: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.AddCommand(newServeCommand(), newTailCommand())
	return cmd
}
