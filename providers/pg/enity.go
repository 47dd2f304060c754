package pg

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/empq/pool"
	"golang.org/x/sync/errgroup"
)

// Enity is a connection controlling structure: it owns the backend
// pool and everything related to the backend connection.
type Enity struct {
	name string
	pool *pool.Pool
}

// NewEnity dials the backend and builds the pool. An unreachable
// backend at startup is returned as an error and is fatal to the
// server.
func NewEnity(ctx context.Context, name string, config *Config, poolConfig *pool.Config) (*Enity, error) {
	connector := NewConnector(config)
	p, err := pool.New(ctx, connector, poolConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "open pool %q", name)
	}

	return &Enity{name: name, pool: p}, nil
}

func (e *Enity) GetFullName() string {
	return ProviderName + "_" + e.name
}

// Pool exposes the backend pool for the store.
func (e *Enity) Pool() *pool.Pool {
	return e.pool
}

// Start is part of the app entity contract; the pool is already
// running by construction.
func (e *Enity) Start(ctx context.Context, _ *errgroup.Group) error {
	e.logger(ctx).Info().Msg("connection established")
	return nil
}

// Shutdown closes the pool. This is a blocking call.
func (e *Enity) Shutdown(ctx context.Context) error {
	logger := e.logger(ctx)
	logger.Info().Msg("shutting down")

	if err := e.pool.Close(); err != nil {
		return errors.Wrapf(err, "shutdown %q", e.GetFullName())
	}

	logger.Info().Msg("shutted down")
	return nil
}

// CheckReady pings the backend through the pool.
func (e *Enity) CheckReady(ctx context.Context) error {
	if err := e.pool.Ping(ctx); err != nil {
		return errors.Wrap(err, "ping")
	}
	return nil
}

func (e *Enity) logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().
		Str("provider_type", ProviderName).
		Str("enity_name", e.name).
		Logger()
	return &logger
}
