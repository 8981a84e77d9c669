package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halverson/streamd/internal/config"
	"github.com/halverson/streamd/internal/logger"
	"github.com/halverson/streamd/internal/metrics"
	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/gateway"
	"github.com/halverson/streamd/pkg/lock"
	"github.com/halverson/streamd/pkg/runtime"
	"github.com/halverson/streamd/pkg/session"
	"github.com/halverson/streamd/pkg/stream"
	"github.com/halverson/streamd/pkg/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming daemon",
	Long: `Run the streamd daemon in the foreground: connect to the shared
cache, start the gateway, and serve until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAgeDay: cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Zerolog()

	zl.Info().Str("version", version).Msg("Starting streamd")

	sharedCache, err := buildCache(cfg, zl)
	if err != nil {
		return err
	}
	defer sharedCache.Close()

	trk, err := tracker.New(sharedCache, tracker.Config{
		ActiveTTL:    cfg.Stream.ActiveTTL,
		InterruptTTL: cfg.Stream.InterruptTTL,
	}, zl)
	if err != nil {
		return err
	}

	locks := lock.NewManagerWithOptions(sharedCache, zl, lock.Options{
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		TTL:            cfg.Lock.TTL,
		InitialBackoff: cfg.Lock.InitialBackoff,
		MaxBackoff:     cfg.Lock.MaxBackoff,
	})

	var durable *session.DurableStore
	if cfg.Session.DurableEnabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		durable, err = session.NewDurableStore(filepath.Join(cfg.DataDir, "sessions.db"))
		if err != nil {
			return err
		}
		defer durable.Close()
	}

	store, err := session.NewStore(sharedCache, locks, session.Config{
		TTL:     cfg.Session.TTL,
		Durable: durable,
	}, zl)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, zl)
	if err != nil {
		return err
	}

	m := metrics.New()

	gen, err := stream.NewGenerator(stream.Config{
		Runtime:  rt,
		Tracker:  trk,
		Store:    store,
		Logger:   zl,
		Metrics:  m,
		Capacity: cfg.Stream.ChannelCapacity,
	})
	if err != nil {
		return err
	}

	srv, err := gateway.NewServer(gateway.Config{
		Port:          cfg.Server.Port,
		Generator:     gen,
		Store:         store,
		Tracker:       trk,
		Metrics:       m,
		Cache:         sharedCache,
		Logger:        zl,
		ShutdownGrace: cfg.Server.ShutdownGrace,
		Manifest: stream.Manifest{
			Tools:    cfg.Manifest.Tools,
			Commands: cfg.Manifest.Commands,
			Plugins:  cfg.Manifest.Plugins,
		},
	})
	if err != nil {
		return err
	}

	if cfg.Sweeper.Enabled {
		sweeper := cron.New()
		_, err := sweeper.AddFunc(cfg.Sweeper.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			pruned, err := store.SweepAll(ctx)
			if err != nil {
				zl.Warn().Err(err).Msg("Index sweep failed")
				return
			}
			if pruned > 0 {
				m.IndexPrunesTotal.Add(float64(pruned))
				zl.Info().Int("pruned", pruned).Msg("Swept stale index entries")
			}
		})
		if err != nil {
			return fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Sweeper.Schedule, err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Hot reload applies only the log level; structural settings need a
	// restart.
	watcher, err := config.NewWatcher(loader, zl, func(next *config.Config) {
		if err := log.SetLevel(next.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Ignoring invalid log level from reloaded config")
		}
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Close()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	return srv.Stop()
}

func buildCache(cfg *config.Config, zl zerolog.Logger) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		zl.Warn().Msg("No Redis configured, using in-process cache: single replica only")
		return cache.NewMemoryCache(), nil
	}
	return cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, zl)
}

func buildRuntime(cfg *config.Config, zl zerolog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.Provider {
	case "anthropic":
		return runtime.NewAnthropicRuntime(cfg.Runtime.APIKey, zl), nil
	case "openai":
		return runtime.NewOpenAIRuntime(cfg.Runtime.APIKey, zl), nil
	default:
		return nil, fmt.Errorf("unknown runtime provider: %s", cfg.Runtime.Provider)
	}
}
