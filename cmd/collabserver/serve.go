package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/hub"
	"collabtext/internal/logging"
	"collabtext/internal/relay"
	"collabtext/internal/server"
	"collabtext/internal/store"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	cfg := config.ServerFromEnv()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
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

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
			}
			return run(ctx, cfg, ln, log.WithName("collabserver"))
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// run serves on ln until ctx is done. It owns ln.
func run(ctx context.Context, cfg config.Server, ln net.Listener, log logr.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer st.Close()

	initial := ""
	if cfg.Document != "" {
		if initial, err = st.Load(ctx, cfg.Document); err != nil {
			ln.Close()
			return err
		}
		log.Info("document loaded", "name", cfg.Document)
	}

	var pub relay.Publisher = relay.Discard{}
	var rdb *relay.Redis
	if cfg.RedisAddr != "" {
		rdb, err = relay.NewRedis(ctx, relay.Options{Addr: cfg.RedisAddr, Channel: cfg.RedisChannel}, log)
		if err != nil {
			ln.Close()
			return err
		}
		defer rdb.Close()
		log.Info("connected to redis", "addr", cfg.RedisAddr)
		pub = rdb
	}

	if cfg.MDNS {
		ad, err := discovery.Advertise(cfg.MDNSService, ln.Addr().(*net.TCPAddr).Port, log)
		if err != nil {
			ln.Close()
			return err
		}
		defer ad.Shutdown()
	}

	h := hub.New(log, hub.Options{InitialText: initial, SendBuffer: cfg.SendBuffer, Relay: pub})
	srv := &http.Server{
		Handler:           server.NewRouter(h, st, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	if rdb != nil {
		g.Go(func() error { return rdb.Run(ctx) })
	}
	g.Go(func() error {
		log.Info("listening", "addr", ln.Addr().String(), "store", cfg.StoreBackend)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Server) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		return store.OpenBolt(cfg.BoltPath)
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.BackendDir:
		return store.NewDir(cfg.StoreDir)
	}
	return nil, fmt.Errorf("unknown store %q", cfg.StoreBackend)
}
