package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dojocodes/sandbox/internal/callback"
	"github.com/dojocodes/sandbox/internal/config"
	"github.com/dojocodes/sandbox/internal/logging"
	"github.com/dojocodes/sandbox/internal/orchestrator"
	"github.com/dojocodes/sandbox/internal/sandbox"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/memory"
	"github.com/dojocodes/sandbox/internal/storage/redis"
	"github.com/dojocodes/sandbox/internal/storage/sqlite"
)

func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, logging.New(cfg.Log), nil
}

// openStore opens the backend named in the storage section.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(cfg.TTL), nil
	case "redis":
		return redis.Open(redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
	default:
		return sqlite.Open(cfg.DBPath, cfg.TTL)
	}
}

// engine is everything needed to run jobs in this process.
type engine struct {
	store      storage.Store
	sandbox    *sandbox.DockerSandbox
	dispatcher *callback.Dispatcher
	orch       *orchestrator.Orchestrator
	logger     *zerolog.Logger
}

func newEngine(cfg *config.Config, store storage.Store, logger *zerolog.Logger) (*engine, error) {
	fetch := sandbox.NewHTTPFetcher(cfg.Docker.DownloadTimeout, cfg.Docker.MaxDownloadBytes)
	sb, err := sandbox.NewDockerSandbox(cfg.Docker.Policy(), fetch, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sb.Ping(ctx); err != nil {
		sb.Close()
		return nil, fmt.Errorf("docker is not reachable: %w", err)
	}

	dispatcher := callback.NewDispatcher(cfg.Callback.Dispatcher(), logger)
	orch := orchestrator.New(sb, store, dispatcher, logger, orchestrator.Options{
		MaxParallel:  cfg.Orchestrator.MaxParallel,
		CheckTimeout: cfg.Orchestrator.CheckTimeout,
	})

	return &engine{
		store:      store,
		sandbox:    sb,
		dispatcher: dispatcher,
		orch:       orch,
		logger:     logger,
	}, nil
}

// Close stops the orchestrator, then gives pending callbacks until ctx is
// done to be delivered.
func (e *engine) Close(ctx context.Context) error {
	if n := e.orch.Running(); n > 0 {
		e.logger.Info().Int("jobs", n).Msg("cancelling running jobs")
	}
	err := e.orch.Shutdown(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Int("jobs", e.orch.Running()).Msg("jobs still running at shutdown")
	}

	flushed := make(chan struct{})
	go func() {
		e.dispatcher.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		e.logger.Warn().Msg("abandoning undelivered callbacks")
	}
	e.dispatcher.Close()
	e.sandbox.Close()
	return err
}
