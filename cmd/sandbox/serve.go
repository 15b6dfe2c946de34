package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/dojocodes/sandbox/internal/limiter"
	"github.com/dojocodes/sandbox/internal/server"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/memory"
	"github.com/dojocodes/sandbox/internal/storage/sqlite"
)

const janitorInterval = time.Minute

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox HTTP server",
	Long: `Start the sandbox HTTP server. Jobs are submitted and polled under /api,
health is reported on /health and Prometheus metrics on /metrics.

Examples:
  sandbox serve
  sandbox serve --port 9090
  SANDBOX_STORAGE_BACKEND=redis sandbox serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	logger.Info().Str("backend", cfg.Storage.Backend).Dur("ttl", cfg.Storage.TTL).Msg("storage ready")

	eng, err := newEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)

	rl := limiter.New(cfg.Limits.Limiter())
	rl.StartCleanup(janitorInterval, stop)
	go janitor(store, logger, stop)

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(eng.orch, rl, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			eng.Close(context.Background())
			return fmt.Errorf("server: %w", err)
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	return eng.Close(ctx)
}

// janitor drops expired jobs from backends that do not expire them on
// their own.
func janitor(store storage.Store, logger *zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			switch s := store.(type) {
			case *memory.MemoryStore:
				if n := s.Sweep(); n > 0 {
					logger.Debug().Int("removed", n).Msg("expired jobs swept")
				}
			case *sqlite.SQLiteStore:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.Purge(ctx)
				cancel()
				if err != nil {
					logger.Warn().Err(err).Msg("purging expired jobs")
				} else if n > 0 {
					logger.Debug().Int64("removed", n).Msg("expired jobs purged")
				}
			}
		case <-stop:
			return
		}
	}
}
