// Package server accepts connections and runs each as a one-shot
// session: read a request, handle it, write a response, close. Every
// stage runs under its own deadline scope chained from a session scope,
// so a stuck peer or backend can never hold a session past its budgets,
// and shutdown cancellation reaches every in-flight session.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/empq/deadline"
	"github.com/soldatov-s/empq/httpx"
	"golang.org/x/sync/errgroup"
)

const ProviderName = "httpsrv"

// RequestHandler turns one parsed request into a response. It must
// always return a response, never panic through.
type RequestHandler interface {
	Handle(ctx context.Context, req *httpx.Request) *httpx.Response
}

// Server owns the listener and the set of in-flight sessions. Sessions
// are tracked loosely: a WaitGroup for draining and a shared deadline
// scope for broadcast cancellation, never a per-session join.
type Server struct {
	config  *Config
	handler RequestHandler

	scope     *deadline.Scope // root scope of every session
	listener  net.Listener
	closeOnce sync.Once
	sessions  sync.WaitGroup
	sessionID int64 // atomic
	stopping  int32 // atomic

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
}

func New(config *Config, handler RequestHandler) *Server {
	return &Server{
		config:  config.SetDefault(),
		handler: handler,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "server_active_sessions",
			Help: "Sessions currently in flight.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "server_sessions_total",
			Help: "Finished sessions by outcome.",
		}, []string{"outcome"}),
	}
}

func (s *Server) GetFullName() string {
	return ProviderName + "_" + s.config.Address
}

// Start binds the listener and launches the accept loop on errorGroup.
// A bind failure is returned synchronously; it is fatal to the server.
func (s *Server) Start(ctx context.Context, errorGroup *errgroup.Group) error {
	logger := s.logger(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", s.config.Address)
	}
	s.listener = listener
	s.scope = deadline.Root(ctx)

	logger.Info().Str("address", s.config.Address).Msg("server listening")

	errorGroup.Go(func() error {
		<-ctx.Done()
		s.closeListener()
		return nil
	})
	errorGroup.Go(func() error {
		return s.acceptLoop(ctx)
	})

	return nil
}

// Addr returns the bound listener address, available after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) logger(ctx context.Context) zerolog.Logger {
	return zerolog.Ctx(ctx).With().Str("provider_type", ProviderName).Logger()
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		s.listener.Close()
	})
}

// acceptLoop accepts connections and launches one session goroutine per
// connection without awaiting it, so accepting is never stalled by a
// slow session. Accept errors are logged and the loop continues until
// shutdown closes the listener.
func (s *Server) acceptLoop(ctx context.Context) error {
	logger := s.logger(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || atomic.LoadInt32(&s.stopping) == 1 || errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("accept loop stopped")
				return nil
			}
			logger.Error().Err(err).Msg("accept connection")
			continue
		}

		s.sessions.Add(1)
		go s.runSession(ctx, conn)
	}
}

// Shutdown stops accepting, then applies the configured policy to the
// in-flight sessions: immediate broadcast cancel, or drain for
// GracePeriod and force-cancel whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.logger(ctx)
	logger.Info().Msg("shutting down")

	atomic.StoreInt32(&s.stopping, 1)
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	if s.config.GracePeriod > 0 {
		select {
		case <-done:
			logger.Info().Msg("all sessions drained")
			s.scope.Close()
			return nil
		case <-time.After(s.config.GracePeriod):
			logger.Warn().Dur("grace_period", s.config.GracePeriod).
				Msg("grace period exceeded, cancelling in-flight sessions")
		}
	}

	s.scope.Close()
	<-done
	logger.Info().Msg("shutted down")
	return nil
}

// Describe implements prometheus.Collector.
func (s *Server) Describe(ch chan<- *prometheus.Desc) {
	s.activeSessions.Describe(ch)
	s.sessionsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Server) Collect(ch chan<- prometheus.Metric) {
	s.activeSessions.Collect(ch)
	s.sessionsTotal.Collect(ch)
}
