package pg

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/soldatov-s/empq/pool"
)

// queryCompanyByID is the single query this server issues: the
// designated string column of at most one employee row.
const queryCompanyByID = `SELECT company FROM employee WHERE id = $1`

var (
	// ErrNoRows means the id is valid but no employee matches. It is an
	// expected outcome, not a failure.
	ErrNoRows = errors.New("pg: no matching employee")

	errNotAQuerier = errors.New("pg: pooled connection is not a querier")
)

// Querier is the query surface a pool member must expose. *Conn
// implements it against Postgres; tests substitute fakes through the
// pool connector.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Store resolves employee lookups against pooled backend sessions.
type Store struct {
	pool *pool.Pool
}

func NewStore(p *pool.Pool) *Store {
	return &Store{pool: p}
}

// CompanyByEmployeeID acquires a session, runs the lookup and releases
// the session on every path: success, query error, or cancellation
// while suspended in acquire or query.
func (s *Store) CompanyByEmployeeID(ctx context.Context, id int64) (string, error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", errors.Wrap(err, "acquire connection")
	}

	q, ok := lease.Conn().(Querier)
	if !ok {
		lease.Close(nil)
		return "", errNotAQuerier
	}

	var company string
	if err := q.GetContext(ctx, &company, queryCompanyByID, id); err != nil {
		lease.Close(err)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoRows
		}
		return "", errors.Wrap(err, "query employee")
	}

	lease.Close(nil)
	return company, nil
}
