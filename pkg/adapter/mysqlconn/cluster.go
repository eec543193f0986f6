package mysqlconn

import (
	"context"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/kong/db-cluster-pool/pkg/pool"
	"go.uber.org/zap"
)

type Executor interface {
	Execute(ctx context.Context, command string, args ...interface{}) (*mysql.Result, error)
	Query(ctx context.Context, command string, args ...interface{}) (*mysql.Result, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Executor = (*ClusterPool)(nil)

// ClusterPool sends Query to replicas and everything else to the primary.
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

func (p *ClusterPool) Cluster() *pool.Pool[*Conn] {
	return p.cluster
}

func (p *ClusterPool) Execute(ctx context.Context, command string, args ...interface{}) (*mysql.Result, error) {
	return p.execute(ctx, pool.ForcePrimary, command, args...)
}

func (p *ClusterPool) Query(ctx context.Context, command string, args ...interface{}) (*mysql.Result, error) {
	return p.execute(ctx, pool.PreferReplica, command, args...)
}

func (p *ClusterPool) QueryPrimary(ctx context.Context, command string, args ...interface{}) (*mysql.Result, error) {
	return p.execute(ctx, pool.ForcePrimary, command, args...)
}

func (p *ClusterPool) execute(ctx context.Context, routing pool.Routing, command string,
	args ...interface{},
) (*mysql.Result, error) {
	var result *mysql.Result
	err := p.cluster.Do(ctx, routing, func(ctx context.Context, c *Conn) error {
		var err error
		result, err = c.Execute(ctx, command, args...)
		return err
	})
	return result, err
}

func (p *ClusterPool) Ping(ctx context.Context) error {
	return p.cluster.Do(ctx, pool.ForcePrimary, func(ctx context.Context, c *Conn) error {
		return c.ping(ctx)
	})
}

func (p *ClusterPool) Close() {
	p.cluster.Close()
}
