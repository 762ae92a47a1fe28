package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/codecollab/internal/api"
	"github.com/npezzotti/codecollab/internal/config"
	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/dedup"
	"github.com/npezzotti/codecollab/internal/judge"
	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/npezzotti/codecollab/internal/server"
	"github.com/npezzotti/codecollab/internal/stats"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/worker"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
	envPrefix         = "CODECOLLAB_"
)

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cmd := &cli.Command{
		Name:  "codecollab",
		Usage: "realtime collaborative code rooms with a sandboxed judge",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:8000", Usage: "server address", Sources: env("ADDR")},
			&cli.StringFlag{Name: "dsn", Value: config.MemoryDSN, Usage: "postgres URL, or memory:// for the in-memory store", Sources: env("DSN")},
			&cli.BoolFlag{Name: "migrate", Value: true, Usage: "apply schema migrations on startup", Sources: env("MIGRATE")},
			&cli.StringFlag{Name: "signing-key", Value: defaultSigningKey, Usage: "base64 encoded signing key", Sources: env("SIGNING_KEY")},
			&cli.StringSliceFlag{Name: "allowed-origins", Usage: "allowed origins for CORS and websocket upgrades", Sources: env("ALLOWED_ORIGINS")},
			&cli.StringFlag{Name: "redis-addr", Usage: "redis address for the shared message id window", Sources: env("REDIS_ADDR")},
			&cli.DurationFlag{Name: "exec-timeout", Value: sandbox.DefaultTimeout, Usage: "wall clock limit per sandbox run", Sources: env("EXEC_TIMEOUT")},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent sandbox jobs", Sources: env("WORKERS")},
			&cli.IntFlag{Name: "queue-size", Value: 64, Usage: "sandbox jobs waiting for a worker", Sources: env("QUEUE_SIZE")},
			&cli.StringFlag{Name: "languages", Usage: "TOML file overriding language images", Sources: env("LANGUAGES_FILE")},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level", Sources: env("LOG_LEVEL")},
			&cli.BoolFlag{Name: "pretty", Usage: "human readable console logs", Sources: env("PRETTY_LOGS")},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(pretty bool, level zerolog.Level) zerolog.Logger {
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "codecollab").Logger()
}

func openRepository(cfg *config.Config, migrate bool, logger zerolog.Logger) (database.CodeCollabRepository, error) {
	if cfg.UseMemoryStore() {
		logger.Warn().Msg("using in-memory store, rooms are lost on restart")
		return database.NewMemoryCodeCollabRepository(database.SeedProblems()...), nil
	}

	if migrate {
		if !strings.HasPrefix(cfg.DatabaseDSN, "postgres") {
			return nil, fmt.Errorf("migrations need a postgres:// URL")
		}
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			return nil, err
		}
		logger.Info().Msg("database migrations applied")
	}

	return database.NewPgCodeCollabRepository(cfg.DatabaseDSN)
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.NewConfig(config.Params{
		ServerAddr:     cmd.String("addr"),
		DatabaseDSN:    cmd.String("dsn"),
		SigningKey:     cmd.String("signing-key"),
		AllowedOrigins: cmd.StringSlice("allowed-origins"),
		RedisAddr:      cmd.String("redis-addr"),
		ExecTimeout:    cmd.Duration("exec-timeout"),
		Workers:        cmd.Int("workers"),
		QueueSize:      cmd.Int("queue-size"),
		LanguagesFile:  cmd.String("languages"),
		LogLevel:       cmd.String("log-level"),
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cmd.Bool("pretty"), cfg.LogLevel)

	repo, err := openRepository(cfg, cmd.Bool("migrate"), logger)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	var deduper dedup.Deduper
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedisDeduper(ctx, cfg.RedisAddr, dedup.DefaultTTL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rd.Close()
		deduper = rd
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis message id window")
	}

	languages, err := sandbox.LoadRegistry(cfg.LanguagesFile)
	if err != nil {
		return err
	}

	sb, err := sandbox.NewDockerSandbox(languages, cfg.ExecTimeout, logger)
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	rooms := store.NewRoomStore(repo, deduper, logger)
	events := store.NewEventLog(repo)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	pool := worker.NewPool(cfg.Workers, cfg.QueueSize, statsUpdater.Registry(), logger)
	pool.Start(poolCtx)

	hub := server.NewHub(logger, server.Config{
		Rooms:   rooms,
		Events:  events,
		Sandbox: sb,
		Judge:   judge.NewJudge(sb, rooms, logger),
		Pool:    pool,
		Stats:   statsUpdater,
	})

	app := api.NewCodeCollabApp(mux, logger, hub, rooms, events, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		if err := hub.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("hub shutdown: %w", err)
		}

		cancelPool()
		pool.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
