package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/soldatov-s/empq/httpx"
	"github.com/soldatov-s/empq/providers/pg"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	calls     int32
	companies map[int64]string
	err       error
	latency   time.Duration
}

func (f *fakeStore) CompanyByEmployeeID(ctx context.Context, id int64) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	company, ok := f.companies[id]
	if !ok {
		return "", pg.ErrNoRows
	}
	return company, nil
}

func get(target string) *httpx.Request {
	return &httpx.Request{Method: http.MethodGet, Target: target, Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1}
}

func TestHandleFound(t *testing.T) {
	store := &fakeStore{companies: map[int64]string{42: "Initech"}}
	res := New(store).Handle(context.Background(), get("/employee/42"))
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "Initech", res.Body)
}

func TestHandleAbsentEmployee(t *testing.T) {
	store := &fakeStore{companies: map[int64]string{}}
	res := New(store).Handle(context.Background(), get("/employee/7"))
	require.Equal(t, http.StatusNotFound, res.Status)
	require.Empty(t, res.Body)
}

func TestHandleMalformedNeverContactsBackend(t *testing.T) {
	store := &fakeStore{companies: map[int64]string{5: "Initech"}}
	h := New(store)

	for _, req := range []*httpx.Request{
		get("/"),
		get("/employee/"),
		get("/employee/abc"),
		get("/other/5"),
		{Method: http.MethodPost, Target: "/employee/5", Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1},
		{Method: http.MethodDelete, Target: "/employee/5", Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1},
	} {
		res := h.Handle(context.Background(), req)
		require.Equal(t, http.StatusBadRequest, res.Status, "%s %s", req.Method, req.Target)
	}
	require.EqualValues(t, 0, atomic.LoadInt32(&store.calls))
}

func TestHandleBackendFailureMapsTo500(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	res := New(store).Handle(context.Background(), get("/employee/5"))
	require.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestHandleDeadlineBoundsSlowBackend(t *testing.T) {
	store := &fakeStore{latency: 500 * time.Millisecond}
	h := New(store)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := h.Handle(ctx, get("/employee/5"))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.Less(t, elapsed, 250*time.Millisecond)
}
