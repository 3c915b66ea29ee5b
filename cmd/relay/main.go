// Command relay serves IPTV channels over HTTP by running one relay process
// per channel and copying its MPEG-TS output to the requesting client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"channel-relay/internal/api"
	"channel-relay/internal/lock"
	"channel-relay/internal/observability/logging"
	"channel-relay/internal/observability/metrics"
	"channel-relay/internal/server"
	"channel-relay/internal/session"
	"channel-relay/internal/storage"
)

func main() {
	var cfg Config
	parser, err := kong.New(&cfg,
		kong.Name("relay"),
		kong.Description("Relays IPTV channel streams through ffmpeg, one process per channel."),
		kong.UsageOnError(),
	)
	if err != nil {
		panic(err)
	}
	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(cfg.Validate())

	logger := logging.Init(cfg.loggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	locker, err := openLocker(cfg, logger)
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}
	defer closeLocker(locker, logger)

	repo, err := openCatalog(cfg)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
	}()

	manager := cfg.processManager()
	manager.Logger = logging.WithComponent(logger, "process")

	sessionCfg := cfg.sessionConfig()
	sessionCfg.Catalog = repo
	sessionCfg.Locker = locker
	sessionCfg.Launcher = manager
	sessionCfg.Logger = logger
	sessionCfg.Metrics = recorder
	controller, err := session.NewController(sessionCfg)
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}

	handler := api.NewHandler(controller, logger,
		api.HealthCheck{Component: "catalog", Ping: repo.Ping},
		api.HealthCheck{Component: "lock_store", Ping: locker.Ping},
	)

	serverCfg := cfg.serverConfig()
	serverCfg.Logger = logger
	serverCfg.Metrics = recorder
	if redisLocker, ok := locker.(*lock.RedisLocker); ok {
		serverCfg.RateLimit.Redis = redisLocker.Client()
	}
	srv, err := server.New(handler, serverCfg)
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer cancel()
		return srv.Run(groupCtx)
	})
	if reloader, ok := repo.(catalogReloader); ok {
		group.Go(func() error {
			watchReload(groupCtx, reloader, logging.WithComponent(logger, "catalog"))
			return nil
		})
	}
	err = group.Wait()

	if closeErr := controller.CloseAll(); closeErr != nil {
		logger.Warn("failed to close remaining sessions", "error", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openLocker(cfg Config, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.LockDriver {
	case "redis":
		redisCfg := cfg.redisConfig()
		redisCfg.Logger = logging.WithComponent(logger, "lock")
		locker, err := lock.NewRedisLocker(redisCfg)
		if err != nil {
			return nil, err
		}
		return locker, nil
	default:
		return lock.NewMemoryLocker(), nil
	}
}

func closeLocker(locker lock.Locker, logger *slog.Logger) {
	closer, ok := locker.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close lock store", "error", err)
	}
}

func openCatalog(cfg Config) (storage.Repository, error) {
	switch cfg.CatalogDriver {
	case "postgres":
		return storage.NewPostgresRepository(cfg.PostgresDSN, cfg.postgresOptions()...)
	default:
		repo, err := storage.NewFileRepository(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

type catalogReloader interface {
	Reload() error
}

// watchReload re-reads the catalog on SIGHUP until ctx is done.
func watchReload(ctx context.Context, reloader catalogReloader, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloader.Reload(); err != nil {
				logger.Error("catalog reload failed, keeping previous catalog", "error", err)
				continue
			}
			logger.Info("catalog reloaded")
		}
	}
}
