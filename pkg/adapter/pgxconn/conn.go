package pgxconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kong/db-cluster-pool/pkg/pool"
)

var (
	defaultPingTimeout       = time.Second * 2
	defaultPingRetries       = uint64(3)
	defaultHealthCheckPeriod = time.Minute * 5
	defaultConnectTimeout    = time.Second * 5
)

// Conn is one cluster member backed by its own pgxpool.
type Conn struct {
	name           string
	config         *pgxpool.Config
	connectTimeout time.Duration

	mu    sync.RWMutex
	inner *pgxpool.Pool
}

// Connect parses server.DSN, opens a pgxpool and pings it.
func Connect(ctx context.Context, server pool.ServerConfig) (*Conn, error) {
	config, err := pgxpool.ParseConfig(server.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn for %q: %w", server.Name, err)
	}
	connectTimeout := server.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	config.ConnConfig.ConnectTimeout = connectTimeout
	// availability is tracked by the cluster pool; keep pgx's own check lazy
	config.HealthCheckPeriod = defaultHealthCheckPeriod
	if v, ok := server.Params["application_name"]; ok {
		config.ConnConfig.RuntimeParams["application_name"] = v
	}

	c := &Conn{name: server.Name, config: config, connectTimeout: connectTimeout}
	inner, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *Conn) open(ctx context.Context) (*pgxpool.Pool, error) {
	tCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	inner, err := pgxpool.NewWithConfig(tCtx, c.config.Copy())
	if err != nil {
		return nil, err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultPingRetries), tCtx)
	err = backoff.Retry(func() error {
		return inner.Ping(tCtx)
	}, b)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return inner, nil
}

// Pool returns the pgxpool currently backing the member.
func (c *Conn) Pool() *pgxpool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) Host() string {
	return c.config.ConnConfig.Host
}

func (c *Conn) IsActive(ctx context.Context) bool {
	inner := c.Pool()
	if inner == nil {
		return false
	}
	tCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	return inner.Ping(tCtx) == nil
}

// Reconnect replaces the underlying pgxpool with a freshly dialled one.
func (c *Conn) Reconnect(ctx context.Context) error {
	inner, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.inner
	c.inner = inner
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (c *Conn) Disconnect(_ context.Context) error {
	c.mu.Lock()
	old := c.inner
	c.inner = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

var errDisconnected = errors.New("connection is disconnected")

func (c *Conn) pool() (*pgxpool.Pool, error) {
	inner := c.Pool()
	if inner == nil {
		return nil, fmt.Errorf("%s: %w", c.name, errDisconnected)
	}
	return inner, nil
}

// IsConnectionError reports whether err came from the transport rather than
// from a server that answered.
func IsConnectionError(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, pgx.ErrTxClosed) {
		return false
	}
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr)
}

// Adapter is the registry entry for Postgres members.
func Adapter() pool.Adapter[*Conn] {
	return pool.Adapter[*Conn]{Connect: Connect, IsConnectionError: IsConnectionError}
}

// NewRegistry returns a registry with the Postgres adapter under its usual kinds.
func NewRegistry() *pool.Registry[*Conn] {
	return pool.NewRegistry[*Conn]().Register(Adapter(), "pgx", "postgres", "postgresql", "aurora-postgresql")
}
