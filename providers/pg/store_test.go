package pg

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/soldatov-s/empq/pool"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	companies map[int64]string
	queryErr  error
	latency   time.Duration
}

func (f *fakeQuerier) Close() error { return nil }

func (f *fakeQuerier) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.queryErr != nil {
		return f.queryErr
	}
	company, ok := f.companies[args[0].(int64)]
	if !ok {
		return sql.ErrNoRows
	}
	*dest.(*string) = company
	return nil
}

type fakeQuerierConnector struct {
	conn *fakeQuerier
}

func (f *fakeQuerierConnector) Connect(_ context.Context) (io.Closer, error) {
	return f.conn, nil
}

func (f *fakeQuerierConnector) IsErrBadConn(err error) bool {
	return errors.Is(err, io.EOF)
}

func newTestStore(t *testing.T, conn *fakeQuerier) (*Store, *pool.Pool) {
	t.Helper()
	p, err := pool.New(context.Background(), &fakeQuerierConnector{conn: conn},
		&pool.Config{MaxSize: 1, HealthInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return NewStore(p), p
}

func TestCompanyByEmployeeIDFound(t *testing.T) {
	store, p := newTestStore(t, &fakeQuerier{companies: map[int64]string{42: "Initech"}})

	company, err := store.CompanyByEmployeeID(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "Initech", company)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestCompanyByEmployeeIDNoRows(t *testing.T) {
	store, p := newTestStore(t, &fakeQuerier{companies: map[int64]string{}})

	_, err := store.CompanyByEmployeeID(context.Background(), 7)
	require.ErrorIs(t, err, ErrNoRows)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestCompanyByEmployeeIDReleasesOnQueryError(t *testing.T) {
	store, p := newTestStore(t, &fakeQuerier{queryErr: errors.New("syntax error")})

	_, err := store.CompanyByEmployeeID(context.Background(), 7)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoRows)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestCompanyByEmployeeIDReleasesOnCancellation(t *testing.T) {
	store, p := newTestStore(t, &fakeQuerier{latency: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := store.CompanyByEmployeeID(ctx, 7)
	require.Error(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	// The lease was returned despite the cancellation mid-query.
	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
}

func TestComposeDSN(t *testing.T) {
	cfg := &Config{DSN: "postgres://me:secret@db:5432/hr", Options: "sslmode=disable"}
	require.Equal(t, "postgres://me:secret@db:5432/hr?sslmode=disable", cfg.ComposeDSN())

	def := (&Config{}).SetDefault()
	require.Equal(t, defaultDSN, def.DSN)
	require.Equal(t, defaultOptions, def.Options)
}
