package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kong/db-cluster-pool/internal/store/repo"
	"github.com/kong/db-cluster-pool/pkg/adapter/pgxconn"
	"github.com/kong/db-cluster-pool/pkg/metrics"
	"github.com/kong/db-cluster-pool/pkg/pool"
	"go.uber.org/zap"
)

var (
	defaultLagCheckFrequency        = time.Second * 60
	defaultBackoffInterval          = time.Millisecond * 5 // keeping this low, otherwise it impacts least-count
	defaultLagReadRetries    uint64 = 200                  // fail after a second of retries
)

var errCanaryNotReplicated = errors.New("write ID not found during read")

type Store struct {
	db         *pgxconn.ClusterPool
	canary     *repo.CanaryRepo
	replCanary *repo.CanaryRepo
	Logger     *zap.Logger
	closeChan  chan struct{}
	closeOnce  sync.Once
}

// NewStore connects the cluster described by cc and starts the background
// replication lag check.
func NewStore(ctx context.Context, logger *zap.Logger, cc *ClusterConfig) (*Store, error) {
	db, err := pgxconn.New(ctx, cc.PoolConfig(metrics.Emit), logger)
	if err != nil {
		return nil, err
	}
	s := NewStoreWithPool(logger, db)
	if len(db.Cluster().Replicas()) > 0 {
		go s.backgroundLagCheck(defaultLagCheckFrequency)
	}
	return s, nil
}

// NewStoreWithPool wraps an existing cluster pool. No background work is started.
func NewStoreWithPool(logger *zap.Logger, db *pgxconn.ClusterPool) *Store {
	return &Store{
		db:         db,
		canary:     repo.NewCanaryRepo(db, repo.CanaryTable),
		replCanary: repo.NewCanaryRepo(db, repo.ReplicationCanaryTable),
		Logger:     logger,
		closeChan:  make(chan struct{}),
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.db.Close()
	})
}

func (s *Store) backgroundLagCheck(frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeChan:
			s.Logger.Info("backgroundLagCheck exited..")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), frequency)
			if _, err := s.CheckReplicationLag(ctx); err != nil {
				s.Logger.Error("failed lag measurement", zap.Error(err))
			}
			cancel()
		}
	}
}

// CheckReplicationLag bumps the replication canary on the primary and polls
// the replicas until they return the same write. The lag is reported as a gauge.
func (s *Store) CheckReplicationLag(ctx context.Context) (float64, error) {
	canary, err := s.replCanary.Touch(ctx)
	if err != nil {
		return 0, fmt.Errorf("update replication canary: %w", err)
	}
	s.Logger.Info("updated replication canary", zap.Int64("ID", canary.ID),
		zap.Time("update_ts", canary.LastUpdated))

	var lag float64
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(defaultBackoffInterval), defaultLagReadRetries), ctx)
	err = backoff.Retry(func() error {
		canaryRead, err := s.replCanary.Get(ctx)
		if err != nil {
			s.Logger.Error("lag check read action error.", zap.Error(err))
			return err
		}
		if canary.ID != canaryRead.ID {
			s.Logger.Debug("canary write and read are not the same.",
				zap.Int64("write ID", canary.ID),
				zap.Int64("read ID", canaryRead.ID))
			return errCanaryNotReplicated
		}
		lag = canaryRead.DiffMS
		return nil
	}, b)
	if err != nil {
		return 0, err
	}
	metrics.Gauge("replication_lag_ms", lag)
	s.Logger.Info("read lag measured", zap.Float64("duration_ms", lag))
	return lag, nil
}

type ReplicaStatus struct {
	ServerID    string    `json:"serverID"`
	SessionID   string    `json:"sessionID"`
	LastUpdated time.Time `json:"lastUpdated"`
}

var replicaStatusQuery = `SELECT SERVER_ID, SESSION_ID, LAST_UPDATE_TIMESTAMP FROM aurora_replica_status()
     WHERE EXTRACT(EPOCH FROM(NOW() - LAST_UPDATE_TIMESTAMP)) <= 300 OR SESSION_ID = 'MASTER_SESSION_ID'
     ORDER BY LAST_UPDATE_TIMESTAMP DESC`

// GetReplicaStatus lists the Aurora instances the writer has heard from in the
// last five minutes. Only works against Aurora PostgreSQL.
func (s *Store) GetReplicaStatus(ctx context.Context) ([]ReplicaStatus, error) {
	rsList := []ReplicaStatus{}
	rows, err := s.db.QueryPrimary(ctx, replicaStatusQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rs ReplicaStatus
		err := rows.Scan(
			&rs.ServerID,
			&rs.SessionID,
			&rs.LastUpdated)
		if err != nil {
			return nil, err
		}
		rsList = append(rsList, rs)
	}
	return rsList, rows.Err()
}

type PoolStats struct {
	AcquireCount    int64         `json:"acquireCount"`
	AcquireDuration time.Duration `json:"acquireDuration"`
	AcquiredConns   int32         `json:"acquiredConns"`
	IdleConns       int32         `json:"idleConns"`
	TotalConns      int32         `json:"totalConns"`
	MaxConns        int32         `json:"maxConns"`
}

func newPoolStats(stat *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		TotalConns:      stat.TotalConns(),
		MaxConns:        stat.MaxConns(),
	}
}

// MemberPoolStats is the routing state of one member plus its pgxpool counters.
type MemberPoolStats struct {
	pool.MemberStats
	Pool *PoolStats `json:"pool,omitempty"`
}

func (s *Store) GetConnectionPoolStats() []MemberPoolStats {
	pgxStats := s.db.Stat()
	members := s.db.Cluster().Stats()
	out := make([]MemberPoolStats, 0, len(members))
	for _, m := range members {
		ms := MemberPoolStats{MemberStats: m}
		if stat, ok := pgxStats[m.Name]; ok {
			ms.Pool = newPoolStats(stat)
		}
		out = append(out, ms)
	}
	return out
}

func (s *Store) UpdateCanary(ctx context.Context) (*repo.Canary, error) {
	return s.canary.Touch(ctx)
}

func (s *Store) GetCanary(ctx context.Context) (*repo.Canary, error) {
	return s.canary.Get(ctx)
}

type Health struct {
	Primary           bool `json:"primary"`
	Replicas          int  `json:"replicas"`
	AvailableReplicas int  `json:"availableReplicas"`
}

// Healthy means the primary answers; replicas only degrade read capacity.
func (h Health) Healthy() bool {
	return h.Primary
}

func (s *Store) Health(ctx context.Context) Health {
	cluster := s.db.Cluster()
	return Health{
		Primary:           s.db.Ping(ctx) == nil,
		Replicas:          len(cluster.Replicas()),
		AvailableReplicas: len(cluster.AvailableReplicas(ctx)),
	}
}

// Reconnect re-establishes every member and resets their runtime counters.
func (s *Store) Reconnect(ctx context.Context) time.Duration {
	cluster := s.db.Cluster()
	cluster.ReconnectAll(ctx)
	return cluster.ResetRuntime()
}

// Verify reconnects only the members that stopped answering.
func (s *Store) Verify(ctx context.Context) {
	s.db.Cluster().VerifyAll(ctx)
}
