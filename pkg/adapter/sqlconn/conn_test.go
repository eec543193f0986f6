package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/kong/db-cluster-pool/pkg/pool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sqliteServer creates a database file whose node table names the server.
func sqliteServer(t *testing.T, name string) pool.ServerConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE node (name TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO node (name) VALUES (?)", name)
	require.NoError(t, err)
	return pool.ServerConfig{Name: name, DSN: path}
}

func newSqliteCluster(t *testing.T, replicas ...string) *ClusterPool {
	t.Helper()
	servers := []pool.ServerConfig{sqliteServer(t, "primary")}
	for _, name := range replicas {
		servers = append(servers, sqliteServer(t, name))
	}
	p, err := New(context.Background(), &pool.Config{Adapter: "sqlite3", Servers: servers}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func nodeName(t *testing.T, r Row) string {
	t.Helper()
	var name string
	require.NoError(t, r.Scan(&name))
	return name
}

func TestClusterPool_Routing(t *testing.T) {
	ctx := context.Background()
	p := newSqliteCluster(t, "r1")

	require.Equal(t, "r1", nodeName(t, p.QueryRowContext(ctx, "SELECT name FROM node")))

	_, err := p.ExecContext(ctx, "INSERT INTO node (name) VALUES (?)", "written")
	require.NoError(t, err)
	var count int
	require.NoError(t, p.QueryRowContext(ctx, "SELECT count(*) FROM node").Scan(&count))
	require.Equal(t, 1, count)

	rows, err := p.QueryPrimaryContext(ctx, "SELECT name FROM node ORDER BY rowid")
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"primary", "written"}, names)

	tx, err := p.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	var name string
	require.NoError(t, tx.QueryRowContext(ctx, "SELECT name FROM node LIMIT 1").Scan(&name))
	require.NoError(t, tx.Rollback())
	require.Equal(t, "primary", name)

	require.NoError(t, p.PingContext(ctx))
}

func TestClusterPool_NoRows(t *testing.T) {
	p := newSqliteCluster(t, "r1")
	var name string
	err := p.QueryRowContext(context.Background(), "SELECT name FROM node WHERE name = ?", "nobody").Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestClusterPool_StatementErrorKeepsReplica(t *testing.T) {
	ctx := context.Background()
	p := newSqliteCluster(t, "r1")

	_, err := p.QueryContext(ctx, "SELECT nope FROM missing")
	require.Error(t, err)
	var connErr *pool.ConnectionError
	require.False(t, errors.As(err, &connErr))
	require.Len(t, p.Cluster().AvailableReplicas(ctx), 1)
}

func TestClusterPool_Failover(t *testing.T) {
	ctx := context.Background()
	p := newSqliteCluster(t, "r1", "r2")

	r1 := p.Cluster().Replicas()[0]
	require.NoError(t, r1.Disconnect(ctx))

	for i := 0; i < 4; i++ {
		require.Equal(t, "r2", nodeName(t, p.QueryRowContext(ctx, "SELECT name FROM node")))
	}
	available := p.Cluster().AvailableReplicas(ctx)
	require.Len(t, available, 1)
	require.Equal(t, "r2", available[0].Name())

	// Losing the last replica resets the pool and reconnects both; the
	// retry lands on the untried r1.
	require.NoError(t, p.Cluster().Replicas()[1].Disconnect(ctx))
	require.Equal(t, "r1", nodeName(t, p.QueryRowContext(ctx, "SELECT name FROM node")))
	require.Len(t, p.Cluster().AvailableReplicas(ctx), 2)
	require.True(t, p.Cluster().ActiveAll(ctx))
}

func TestClusterPool_PrimaryFallback(t *testing.T) {
	ctx := context.Background()
	p := newSqliteCluster(t)
	require.Equal(t, "primary", nodeName(t, p.QueryRowContext(ctx, "SELECT name FROM node")))
}

func TestConn_Reconnect(t *testing.T) {
	ctx := context.Background()
	c, err := Connect(ctx, sqliteServer(t, "r1"))
	require.NoError(t, err)
	require.True(t, c.IsActive(ctx))

	require.NoError(t, c.Disconnect(ctx))
	require.False(t, c.IsActive(ctx))
	require.Nil(t, c.DB())
	_, err = c.handle()
	require.ErrorIs(t, err, sql.ErrConnDone)

	require.NoError(t, c.Reconnect(ctx))
	require.True(t, c.IsActive(ctx))
	require.NoError(t, c.Disconnect(ctx))
}

func TestConnect_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := Connect(ctx, pool.ServerConfig{Name: "x", Adapter: "oracle"})
	require.ErrorIs(t, err, pool.ErrAdapterNotFound)

	server := sqliteServer(t, "r1")
	server.Adapter = "sqlite3"
	server.Params = map[string]string{"max_open_conns": "many"}
	_, err = Connect(ctx, server)
	require.ErrorContains(t, err, "max_open_conns")
}

func TestIsConnectionError(t *testing.T) {
	require.True(t, IsConnectionError(driver.ErrBadConn))
	require.True(t, IsConnectionError(fmt.Errorf("query: %w", sql.ErrConnDone)))
	require.True(t, IsConnectionError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))
	require.False(t, IsConnectionError(sql.ErrNoRows))
	require.False(t, IsConnectionError(errors.New("no such table: missing")))
}

func TestRegistry(t *testing.T) {
	require.Equal(t, []string{"pgx", "postgres", "sqlite3"}, NewRegistry().Kinds())
}
