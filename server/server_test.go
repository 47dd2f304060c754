package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/soldatov-s/empq/handler"
	"github.com/soldatov-s/empq/providers/pg"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type blockingStore struct {
	companies map[int64]string
	latency   time.Duration

	mu      sync.Mutex
	inQuery int
}

func (f *blockingStore) CompanyByEmployeeID(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	f.inQuery++
	f.mu.Unlock()

	if f.latency != 0 {
		wait := time.After(f.latency)
		if f.latency < 0 {
			wait = nil // block until canceled
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	company, ok := f.companies[id]
	if !ok {
		return "", pg.ErrNoRows
	}
	return company, nil
}

func (f *blockingStore) queriesStarted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inQuery
}

func startTestServer(t *testing.T, config *Config, store handler.CompanyGetter) *Server {
	t.Helper()
	config.Address = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	srv := New(config, handler.New(store))
	require.NoError(t, srv.Start(groupCtx, group))

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		group.Wait()
	})
	return srv
}

// doRequest runs one one-shot exchange and returns the status code,
// body, and whether the server declared the connection closed.
func doRequest(t *testing.T, addr, method, target string) (int, string, bool) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: empq.test\r\n\r\n", method, target)

	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body), res.Close
}

func TestServeKnownEmployee(t *testing.T) {
	store := &blockingStore{companies: map[int64]string{42: "Initech"}}
	srv := startTestServer(t, &Config{}, store)

	status, body, closed := doRequest(t, srv.Addr().String(), http.MethodGet, "/employee/42")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Initech", body)
	require.True(t, closed)
}

func TestServeAbsentEmployee(t *testing.T) {
	store := &blockingStore{companies: map[int64]string{}}
	srv := startTestServer(t, &Config{}, store)

	status, _, _ := doRequest(t, srv.Addr().String(), http.MethodGet, "/employee/7")
	require.Equal(t, http.StatusNotFound, status)
}

func TestServeMalformedRequests(t *testing.T) {
	store := &blockingStore{companies: map[int64]string{5: "Initech"}}
	srv := startTestServer(t, &Config{}, store)

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/employee/"},
		{http.MethodGet, "/employee/abc"},
		{http.MethodGet, "/other/5"},
		{http.MethodPost, "/employee/5"},
	} {
		status, _, _ := doRequest(t, srv.Addr().String(), tc.method, tc.target)
		require.Equal(t, http.StatusBadRequest, status, "%s %s", tc.method, tc.target)
	}
	require.Equal(t, 0, store.queriesStarted())
}

func TestHandlingDeadlineSynthesizes500(t *testing.T) {
	store := &blockingStore{latency: 500 * time.Millisecond}
	srv := startTestServer(t, &Config{HandleTimeout: 50 * time.Millisecond}, store)

	start := time.Now()
	status, _, _ := doRequest(t, srv.Addr().String(), http.MethodGet, "/employee/5")
	elapsed := time.Since(start)

	require.Equal(t, http.StatusInternalServerError, status)
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestReadDeadlineDropsSilentPeer(t *testing.T) {
	store := &blockingStore{}
	srv := startTestServer(t, &Config{ReadTimeout: 50 * time.Millisecond}, store)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Send nothing; the server must drop the connection without a
	// response once the read budget elapses.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	start := time.Now()
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, time.Since(start), time.Second)
}

func TestSlowSessionDoesNotStallAccepts(t *testing.T) {
	store := &blockingStore{companies: map[int64]string{1: "Initech"}}
	srv := startTestServer(t, &Config{ReadTimeout: 2 * time.Second}, store)

	// Open a connection that never sends its request.
	idle, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer idle.Close()

	// A second connection is served while the first is mid-read.
	status, _, _ := doRequest(t, srv.Addr().String(), http.MethodGet, "/employee/1")
	require.Equal(t, http.StatusOK, status)
}

func TestAbruptShutdownCancelsInFlightSessions(t *testing.T) {
	store := &blockingStore{latency: -1} // block until canceled
	srv := startTestServer(t, &Config{}, store)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		fmt.Fprintf(conn, "GET /employee/%d HTTP/1.1\r\nHost: empq.test\r\n\r\n", i)
		conns[i] = conn
	}

	require.Eventually(t, func() bool {
		return store.queriesStarted() == 3
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not cancel in-flight sessions within the grace bound")
	}

	// Every peer observes a disconnect, and the listener is closed.
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := io.ReadAll(bufio.NewReader(conn))
		require.NoError(t, err)
	}
	_, err := net.Dial("tcp", srv.Addr().String())
	require.Error(t, err)
}

func TestGracefulShutdownDrainsInFlightSessions(t *testing.T) {
	store := &blockingStore{
		companies: map[int64]string{1: "Initech"},
		latency:   100 * time.Millisecond,
	}
	srv := startTestServer(t, &Config{GracePeriod: 2 * time.Second}, store)

	type result struct {
		status int
		err    error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		fmt.Fprintf(conn, "GET /employee/1 HTTP/1.1\r\nHost: empq.test\r\n\r\n")
		go func(conn net.Conn) {
			res, errRead := http.ReadResponse(bufio.NewReader(conn), nil)
			if errRead != nil {
				results <- result{err: errRead}
				return
			}
			defer res.Body.Close()
			results <- result{status: res.StatusCode}
		}(conn)
	}

	require.Eventually(t, func() bool {
		return store.queriesStarted() == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))

	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.status)
	}
}
