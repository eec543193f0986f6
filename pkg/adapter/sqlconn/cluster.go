package sqlconn

import (
	"context"
	"database/sql"

	"github.com/kong/db-cluster-pool/pkg/pool"
	"go.uber.org/zap"
)

// Row is the part of *sql.Row callers use.
type Row interface {
	Scan(dest ...any) error
	Err() error
}

// Querier is the database/sql style surface of a ClusterPool.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

var _ Querier = (*ClusterPool)(nil)

type ClusterPool struct {
	cluster *pool.Pool[*Conn]
}

func New(ctx context.Context, config *pool.Config, logger *zap.Logger) (*ClusterPool, error) {
	cluster, err := pool.New(ctx, config, NewRegistry(), logger)
	if err != nil {
		return nil, err
	}
	return &ClusterPool{cluster: cluster}, nil
}

func (p *ClusterPool) Cluster() *pool.Pool[*Conn] {
	return p.cluster
}

func (p *ClusterPool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

func (p *ClusterPool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.query(ctx, pool.PreferReplica, query, args...)
}

func (p *ClusterPool) QueryPrimaryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.query(ctx, pool.ForcePrimary, query, args...)
}

func (p *ClusterPool) query(ctx context.Context, routing pool.Routing, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := p.cluster.Do(ctx, routing, func(ctx context.Context, c *Conn) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		rows, err = db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

func (p *ClusterPool) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	rows, err := p.QueryContext(ctx, query, args...)
	return &row{rows: rows, err: err}
}

// BeginTx always starts the transaction on the primary, read-only or not.
func (p *ClusterPool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	var tx *sql.Tx
	err := p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		tx, err = db.BeginTx(ctx, opts)
		return err
	})
	return tx, err
}

func (p *ClusterPool) PingContext(ctx context.Context) error {
	return p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		db, err := c.handle()
		if err != nil {
			return err
		}
		return db.PingContext(ctx)
	})
}

func (p *ClusterPool) Close() error {
	p.cluster.Close()
	return nil
}

type row struct {
	rows *sql.Rows
	err  error
}

func (r *row) Err() error {
	return r.err
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	return r.rows.Close()
}
