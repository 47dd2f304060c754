// Package app wires the application lifecycle: ordered entity
// start/shutdown, OS signal handling, and the stats HTTP endpoints.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soldatov-s/empq/log"
	"golang.org/x/sync/errgroup"
)

const (
	ReadyEndpoint   = "/health/ready"
	AliveEndpoint   = "/health/alive"
	MetricsEndpoint = "/metrics"
)

// EnityGateway is one managed entity: started in registration order,
// shut down in reverse.
type EnityGateway interface {
	GetFullName() string
	Start(ctx context.Context, errorGroup *errgroup.Group) error
	Shutdown(ctx context.Context) error
}

// ReadyGateway may be implemented by an entity to contribute to the
// ready endpoint.
type ReadyGateway interface {
	CheckReady(ctx context.Context) error
}

var ErrConflictName = errors.New("app: conflict name")

type ManagerDeps struct {
	Name         string
	StatsAddress string // empty disables the stats endpoints
	Logger       *log.Logger
	ErrorGroup   *errgroup.Group
}

type Manager struct {
	name         string
	mu           sync.Mutex
	enities      map[string]EnityGateway
	enitiesOrder []string
	statsAddress string
	statsSrv     *http.Server
	register     prometheus.Registerer
	logger       *log.Logger
	signals      []os.Signal
	errorGroup   *errgroup.Group
}

type ManagerOption func(*Manager)

func WithCustomRegister(register prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.register = register
	}
}

func WithCustomSignals(signals []os.Signal) ManagerOption {
	return func(m *Manager) {
		m.signals = signals
	}
}

func NewApp(deps *ManagerDeps, opts ...ManagerOption) *Manager {
	app := &Manager{
		name:         deps.Name,
		enities:      make(map[string]EnityGateway),
		enitiesOrder: make([]string, 0, 4),
		statsAddress: deps.StatsAddress,
		register:     prometheus.DefaultRegisterer,
		logger:       deps.Logger,
		signals:      defaultOSSignals(),
		errorGroup:   deps.ErrorGroup,
	}

	for _, opt := range opts {
		opt(app)
	}

	return app
}

func defaultOSSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
}

type ErrSignal struct {
	Signal os.Signal
}

func (e ErrSignal) Error() string {
	return fmt.Sprintf("got error signal %s", e.Signal.String())
}

// Add registers an entity under its full name.
func (a *Manager) Add(e EnityGateway) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.enities[e.GetFullName()]; ok {
		return ErrConflictName
	}

	a.enities[e.GetFullName()] = e
	a.enitiesOrder = append(a.enitiesOrder, e.GetFullName())
	return nil
}

// RegisterCollector exposes c on the metrics endpoint.
func (a *Manager) RegisterCollector(c prometheus.Collector) error {
	return errors.Wrap(a.register.Register(c), "register collector")
}

// OSSignalWaiter arranges shutdown on a termination signal.
func (a *Manager) OSSignalWaiter(ctx context.Context) error {
	logger := a.logger.Zerolog()
	closeSignal := make(chan os.Signal, 1)
	signal.Notify(closeSignal, a.signals...)

	a.errorGroup.Go(func() error {
		select {
		case s := <-closeSignal:
			logger.Info().Msgf("got os signal: %s", s.String())
			if err := a.Shutdown(ctx); err != nil {
				return errors.Wrap(err, "shutdown app")
			}
			return ErrSignal{Signal: s}
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return nil
}

// Loop is application loop
func (a *Manager) Loop(ctx context.Context) error {
	logger := a.logger.Zerolog()
	if err := a.errorGroup.Wait(); err != nil {
		switch {
		case isExitSignal(err):
			logger.Info().Msg("exited by exit signal")
		default:
			return errors.Wrap(err, "exited with error")
		}
	}
	return nil
}

func isExitSignal(err error) bool {
	errSig := ErrSignal{}
	return errors.As(err, &errSig)
}

func (a *Manager) Start(ctx context.Context) error {
	for _, k := range a.enitiesOrder {
		if err := a.enities[k].Start(ctx, a.errorGroup); err != nil {
			return errors.Wrapf(err, "start enity %q", k)
		}
	}

	if err := a.startStatistic(ctx); err != nil {
		return errors.Wrap(err, "start statistics")
	}

	return nil
}

func (a *Manager) Shutdown(ctx context.Context) error {
	for i := len(a.enitiesOrder) - 1; i >= 0; i-- {
		k := a.enitiesOrder[i]
		if err := a.enities[k].Shutdown(ctx); err != nil {
			return errors.Wrapf(err, "shutdown enity %q", k)
		}
	}

	if a.statsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.statsSrv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown stats server")
		}
	}
	return nil
}

func (a *Manager) startStatistic(ctx context.Context) error {
	if a.statsAddress == "" {
		return nil
	}

	if err := a.register.Register(a.logger); err != nil {
		return errors.Wrap(err, "register logger metrics")
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsEndpoint, promhttp.Handler())
	mux.HandleFunc(AliveEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc(ReadyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		a.readyCheckHandler(ctx, w)
	})

	a.statsSrv = &http.Server{Addr: a.statsAddress, Handler: mux}
	a.errorGroup.Go(func() error {
		a.logger.Zerolog().Info().Str("address", a.statsAddress).Msg("stats endpoints up")
		if err := a.statsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve stats")
		}
		return nil
	})

	return nil
}

func (a *Manager) readyCheckHandler(ctx context.Context, w http.ResponseWriter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.enitiesOrder {
		rg, ok := a.enities[k].(ReadyGateway)
		if !ok {
			continue
		}
		if err := rg.CheckReady(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "NOT READY: %s\n", k)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "READY")
}
