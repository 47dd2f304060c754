package server

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/soldatov-s/empq/deadline"
	"github.com/soldatov-s/empq/httpx"
)

// Session outcomes, as counted by the sessions_total metric.
const (
	outcomeDone     = "done"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"
)

// runSession drives one connection through its lifecycle:
// Reading -> Handling -> Writing -> Done, with Failed reachable from
// any stage. Each stage runs under its own deadline scope chained from
// the session scope, which in turn chains from the server scope so a
// shutdown broadcast reaches it.
func (s *Server) runSession(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	defer conn.Close()

	logger := zerolog.Ctx(ctx).With().
		Str("provider_type", ProviderName).
		Int64("session_id", atomic.AddInt64(&s.sessionID, 1)).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()

	s.activeSessions.Inc()
	defer s.activeSessions.Dec()

	outcome := s.serve(&logger, conn)
	s.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (s *Server) serve(logger *zerolog.Logger, conn net.Conn) string {
	sess := deadline.New(s.scope, 0)
	defer sess.Close()

	// Reading. A failure here means the peer is gone or unreadable; no
	// response is attempted.
	req, err := s.readRequest(sess, conn)
	if err != nil {
		if deadline.Canceled(err) {
			logger.Warn().Str("stage", "read").Msg("session canceled")
			return outcomeCanceled
		}
		logger.Debug().Err(err).Str("stage", "read").Msg("read request failed")
		return outcomeFailed
	}

	// Handling always produces a response, synthesized if need be.
	res := s.handle(sess, logger, req)

	// Writing. One bounded attempt, logged and dropped on failure.
	start := time.Now()
	if err := s.writeResponse(sess, conn, req, res); err != nil {
		event := logger.Error()
		outcome := outcomeFailed
		if deadline.Canceled(err) {
			event = logger.Warn()
			outcome = outcomeCanceled
		}
		event.Err(err).Str("stage", "write").
			Dur("elapsed", time.Since(start)).
			Msg("write response failed")
		return outcome
	}

	return outcomeDone
}

// readRequest reads one request under the read budget. The scope's
// cancel hook expires the transport read so a blocked Read unwinds at
// its suspension point.
func (s *Server) readRequest(sess *deadline.Scope, conn net.Conn) (*httpx.Request, error) {
	scope := deadline.New(sess, s.config.ReadTimeout)
	scope.OnCancel(func() {
		conn.SetReadDeadline(time.Now())
	})

	var req *httpx.Request
	err := scope.Run(func(_ context.Context) error {
		r, errRead := httpx.ReadRequest(conn)
		if errRead != nil {
			return errRead
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return req, nil
}

// handle runs the request handler under the handling budget, which also
// bounds the nested acquire-from-pool plus query unit. If the budget
// fires before the handler returns, the stage force-unwinds with a
// synthesized 500; the handler goroutine observes the canceled scope at
// its next suspension point and releases whatever it holds.
func (s *Server) handle(sess *deadline.Scope, logger *zerolog.Logger, req *httpx.Request) *httpx.Response {
	scope := deadline.New(sess, s.config.HandleTimeout)
	defer scope.Close()

	start := time.Now()
	resCh := make(chan *httpx.Response, 1)
	hctx := logger.WithContext(scope.Context())
	go func() {
		resCh <- s.handler.Handle(hctx, req)
	}()

	select {
	case res := <-resCh:
		return res
	case <-scope.Done():
		logger.Warn().Str("stage", "handle").
			Dur("elapsed", time.Since(start)).
			Msg("handling deadline elapsed")
		return httpx.InternalServerError()
	}
}

func (s *Server) writeResponse(sess *deadline.Scope, conn net.Conn, req *httpx.Request, res *httpx.Response) error {
	scope := deadline.New(sess, s.config.WriteTimeout)
	scope.OnCancel(func() {
		conn.SetWriteDeadline(time.Now())
	})

	return scope.Run(func(_ context.Context) error {
		return httpx.WriteResponse(conn, req, res)
	})
}
