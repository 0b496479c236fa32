// Command collabagent keeps a local file in sync with a collabserver
// document. Edits made to the file are sent to the server and edits made by
// other collaborators are written back into it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.AgentFromEnv()
	cmd := &cobra.Command{
		Use:          "collabagent",
		Short:        "Mirror a shared collabserver document into a local file",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, flush, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Server == "" {
				lookupCtx, cancel := context.WithTimeout(ctx, cfg.DiscoverTimeout)
				addr, err := discovery.Lookup(lookupCtx, cfg.MDNSService, log)
				cancel()
				if err != nil {
					return fmt.Errorf("discover server: %w", err)
				}
				cfg.Server = addr
			}
			return newAgent(cfg, log.WithName("collabagent")).run(ctx)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cfg.BindFlags(cmd.Flags())
	return cmd
}
