package main

import (
	"context"
	"fmt"
	"os"

	"github.com/soldatov-s/empq/app"
	"github.com/soldatov-s/empq/handler"
	"github.com/soldatov-s/empq/log"
	"github.com/soldatov-s/empq/pool"
	"github.com/soldatov-s/empq/providers/pg"
	"github.com/soldatov-s/empq/server"
	"github.com/vrischmann/envconfig"
	"golang.org/x/sync/errgroup"
)

const serviceName = "empq"

// Config aggregates all environment-driven configuration, e.g.
// DB_DSN, POOL_MAXSIZE, SERVER_ADDRESS, LOGGER_LEVEL.
type Config struct {
	Logger *log.Config
	DB     *pg.Config
	Pool   *pool.Config
	Server *server.Config
	// StatsAddress is where /metrics and /health endpoints are served.
	// Empty disables them.
	StatsAddress string `envconfig:"optional"`
}

func main() {
	var cfg Config
	if err := envconfig.Init(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse environment: %s\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %s\n", err)
		os.Exit(1)
	}

	ctx := logger.WithContext(context.Background())
	errorGroup, ctx := errgroup.WithContext(ctx)

	// An unreachable backend at startup is fatal.
	dbEnity, err := pg.NewEnity(ctx, "main", cfg.DB, cfg.Pool)
	if err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("connect to backend")
	}

	store := pg.NewStore(dbEnity.Pool())
	srv := server.New(cfg.Server, handler.New(store))

	a := app.NewApp(&app.ManagerDeps{
		Name:         serviceName,
		StatsAddress: cfg.StatsAddress,
		Logger:       logger,
		ErrorGroup:   errorGroup,
	})

	if err := a.Add(dbEnity); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("add db enity")
	}
	if err := a.Add(srv); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("add server enity")
	}
	if err := a.RegisterCollector(pool.NewStatsCollector(serviceName, dbEnity.Pool())); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("register pool collector")
	}
	if err := a.RegisterCollector(srv); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("register server collector")
	}

	if err := a.OSSignalWaiter(ctx); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("arm signal waiter")
	}
	if err := a.Start(ctx); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("start app")
	}
	if err := a.Loop(ctx); err != nil {
		logger.Zerolog().Fatal().Err(err).Msg("app loop")
	}
}
