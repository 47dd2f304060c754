package pg

import (
	"context"
	stddriver "database/sql/driver"
	"io"
	"net"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// a blank import
	_ "github.com/lib/pq"
)

const ProviderName = "postgres"

// Conn is one pool member: a dedicated backend session. It is backed by
// an *sqlx.DB capped at a single connection, so one member is exactly
// one session and queries on different members never share state.
type Conn struct {
	db *sqlx.DB
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// IsValid is the liveness probe used by the pool health loop.
func (c *Conn) IsValid(ctx context.Context) bool {
	return c.db.PingContext(ctx) == nil
}

// GetContext runs one single-row query on this member's session.
func (c *Conn) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.db.GetContext(ctx, dest, query, args...)
}

// Connector dials pool members for a fixed backend configuration.
type Connector struct {
	dsn string
}

func NewConnector(config *Config) *Connector {
	cfg := config.SetDefault()
	return &Connector{dsn: cfg.ComposeDSN()}
}

// Connect opens a new backend session.
func (c *Connector) Connect(ctx context.Context) (io.Closer, error) {
	db, err := sqlx.ConnectContext(ctx, ProviderName, c.dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}

	// Only one connection per member.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Conn{db: db}, nil
}

// IsErrBadConn reports errors after which the member's session cannot
// be trusted and the member must be replaced.
func (c *Connector) IsErrBadConn(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A canceled query does not condemn the member: the underlying
		// sql.DB redials its single connection lazily if the driver had
		// to kill it. Note context.DeadlineExceeded also satisfies
		// net.Error, so this check must come first.
		return false
	}
	if errors.Is(err, stddriver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
