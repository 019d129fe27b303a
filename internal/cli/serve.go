package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/loopstore/pkg/api"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Open the store and serve the HTTP API until interrupted.

Examples:
  loopstore serve
  loopstore serve --listen :8080 --config ./loopstore.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "listen address (overrides server.listen_addr)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	if opts.ListenAddr != "" {
		cfg.Server.ListenAddr = opts.ListenAddr
	}

	log.Infow("configuration loaded",
		"listen", cfg.Server.ListenAddr,
		"path", cfg.Storage.Path,
		"retention_days", cfg.Storage.RetentionDays,
		"compression_level", cfg.Storage.CompressionLevel,
		"wal", cfg.Storage.EnableWAL,
		"cache_capacity", cfg.Cache.Capacity,
	)

	store, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorw("storage close failed", "err", err)
		}
	}()

	server := api.NewServer(cfg.Server.ListenAddr, store, log.Named("api")).
		WithTimeout(cfg.Server.Timeout)

	errCh := make(chan error, 1)
	go func() {
		log.Infow("API server listening", "addr", cfg.Server.ListenAddr)
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, stopping server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorw("server shutdown error", "err", err)
	}
	<-errCh

	log.Info("server stopped")
	return nil
}
