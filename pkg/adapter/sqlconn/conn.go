// Package sqlconn adapts database/sql drivers to the cluster pool. The kind of
// each server picks the driver: "postgres" uses lib/pq, "pgx" the pgx stdlib
// driver and "sqlite3" mattn/go-sqlite3.
package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kong/db-cluster-pool/pkg/pool"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var drivers = map[string]string{
	"postgres": "postgres",
	"pgx":      "pgx",
	"sqlite3":  "sqlite3",
}

var (
	defaultConnectTimeout = time.Second * 5
	defaultPingTimeout    = time.Second * 2
)

type Conn struct {
	name           string
	driverName     string
	dsn            string
	connectTimeout time.Duration
	maxOpenConns   int

	mu sync.RWMutex
	db *sql.DB
}

// Connect opens server.DSN with the driver registered for server.Adapter.
// Params may set "max_open_conns".
func Connect(ctx context.Context, server pool.ServerConfig) (*Conn, error) {
	driverName, ok := drivers[server.Adapter]
	if !ok {
		return nil, fmt.Errorf("%w: no database/sql driver for %q", pool.ErrAdapterNotFound, server.Adapter)
	}
	c := &Conn{
		name:           server.Name,
		driverName:     driverName,
		dsn:            server.DSN,
		connectTimeout: server.ConnectTimeout,
	}
	if c.connectTimeout == 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if v, ok := server.Params["max_open_conns"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("server %q: max_open_conns: %w", server.Name, err)
		}
		c.maxOpenConns = n
	}
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.db = db
	return c, nil
}

func (c *Conn) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(c.driverName, c.dsn)
	if err != nil {
		return nil, err
	}
	if c.maxOpenConns > 0 {
		db.SetMaxOpenConns(c.maxOpenConns)
	}
	tCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := db.PingContext(tCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (c *Conn) Name() string {
	return c.name
}

// DB returns the *sql.DB currently backing the member, or nil once disconnected.
func (c *Conn) DB() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Conn) IsActive(ctx context.Context) bool {
	db := c.DB()
	if db == nil {
		return false
	}
	tCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	return db.PingContext(tCtx) == nil
}

func (c *Conn) Reconnect(ctx context.Context) error {
	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (c *Conn) Disconnect(_ context.Context) error {
	c.mu.Lock()
	old := c.db
	c.db = nil
	c.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (c *Conn) handle() (*sql.DB, error) {
	db := c.DB()
	if db == nil {
		return nil, fmt.Errorf("%s: %w", c.name, sql.ErrConnDone)
	}
	return db, nil
}

// IsConnectionError reports errors that mean the connection, not the statement, failed.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func Adapter() pool.Adapter[*Conn] {
	return pool.Adapter[*Conn]{Connect: Connect, IsConnectionError: IsConnectionError}
}

func NewRegistry() *pool.Registry[*Conn] {
	kinds := make([]string, 0, len(drivers))
	for kind := range drivers {
		kinds = append(kinds, kind)
	}
	return pool.NewRegistry[*Conn]().Register(Adapter(), kinds...)
}
