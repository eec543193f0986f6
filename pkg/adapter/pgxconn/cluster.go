package pgxconn

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kong/db-cluster-pool/pkg/pool"
	"go.uber.org/zap"
)

// Querier is the operation surface a ClusterPool exposes. It matches the
// subset of *pgxpool.Pool that applications use, so either can be injected.
type Querier interface {
	Close()
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

var _ Querier = (*ClusterPool)(nil)
var _ Querier = (*pgxpool.Pool)(nil)

// ClusterPool routes pgx operations across a primary and weighted replicas.
// Query and QueryRow prefer replicas; everything else runs on the primary.
type ClusterPool struct {
	cluster *pool.Pool[*Conn]
}

func New(ctx context.Context, config *pool.Config, logger *zap.Logger) (*ClusterPool, error) {
	return NewWithRegistry(ctx, config, NewRegistry(), logger)
}

func NewWithRegistry(ctx context.Context, config *pool.Config, registry *pool.Registry[*Conn],
	logger *zap.Logger,
) (*ClusterPool, error) {
	cluster, err := pool.New(ctx, config, registry, logger)
	if err != nil {
		return nil, err
	}
	return &ClusterPool{cluster: cluster}, nil
}

// Cluster exposes the underlying pool for broadcast operations and stats.
func (p *ClusterPool) Cluster() *pool.Pool[*Conn] {
	return p.cluster
}

func (p *ClusterPool) Close() {
	p.cluster.Close()
}

func (p *ClusterPool) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		tag, err = inner.Exec(ctx, sql, arguments...)
		return err
	})
	return tag, err
}

func (p *ClusterPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return p.query(ctx, pool.PreferReplica, sql, args...)
}

// QueryPrimary runs a read on the primary, e.g. to re-read a row right after writing it.
func (p *ClusterPool) QueryPrimary(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return p.query(ctx, pool.ForcePrimary, sql, args...)
}

func (p *ClusterPool) query(ctx context.Context, routing pool.Routing, sql string, args ...interface{}) (pgx.Rows, error) {
	var rows pgx.Rows
	err := p.cluster.Do(ctx, routing, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		rows, err = inner.Query(ctx, sql, args...)
		return err
	})
	return rows, err
}

func (p *ClusterPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	rows, err := p.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

func (p *ClusterPool) QueryRowPrimary(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	rows, err := p.QueryPrimary(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

func (p *ClusterPool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	var results pgx.BatchResults
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		results = inner.SendBatch(ctx, b)
		return nil
	})
	if err != nil {
		return errBatchResults{err: err}
	}
	return results
}

func (p *ClusterPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.BeginTx(ctx, pgx.TxOptions{})
}

func (p *ClusterPool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	var tx pgx.Tx
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		tx, err = inner.BeginTx(ctx, txOptions)
		return err
	})
	return tx, err
}

func (p *ClusterPool) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string,
	rowSrc pgx.CopyFromSource,
) (int64, error) {
	var copied int64
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		copied, err = inner.CopyFrom(ctx, tableName, columnNames, rowSrc)
		return err
	})
	return copied, err
}

// Ping checks the primary.
func (p *ClusterPool) Ping(ctx context.Context) error {
	return p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		inner, err := c.pool()
		if err != nil {
			return err
		}
		return inner.Ping(ctx)
	})
}

// Stat returns the pgxpool statistics of every member, keyed by member name.
func (p *ClusterPool) Stat() map[string]*pgxpool.Stat {
	stats := make(map[string]*pgxpool.Stat)
	for _, c := range p.cluster.Members() {
		if inner := c.Pool(); inner != nil {
			stats[c.Name()] = inner.Stat()
		}
	}
	return stats
}
