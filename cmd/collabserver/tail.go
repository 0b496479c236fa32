package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/logging"
	"collabtext/internal/relay"
)

func newTailCommand() *cobra.Command {
	cfg := config.ServerFromEnv()
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	var kinds []string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the events a server publishes to Redis, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, flush, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := relay.NewRedis(ctx, relay.Options{Addr: cfg.RedisAddr, Channel: cfg.RedisChannel}, log)
			if err != nil {
				return err
			}
			defer r.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return r.Tail(ctx, func(ev relay.Event) error {
				if !wanted(kinds, ev.Kind) {
					return nil
				}
				return enc.Encode(ev)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address.")
	cmd.Flags().StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "Redis channel to subscribe to.")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only print events of these kinds (operation, presence, ownership, load).")
	cmd.Flags().IntVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "The log level verbosity. 0 is the least verbose.")
	return cmd
}

func wanted(kinds []string, kind string) bool {
	return len(kinds) == 0 || slices.Contains(kinds, kind)
}
