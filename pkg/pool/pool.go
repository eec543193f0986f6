package pool

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pool splits reads and writes across one primary and a set of weighted
// replicas. Reads are balanced over replicas that are not quarantined; writes
// and forced operations always use the primary.
type Pool[C Conn] struct {
	primary   *member[C]
	replicas  []*member[C]
	members   []*member[C]
	tracker   *availabilityTracker[C]
	events    *eventLog[C]
	logger    *zap.Logger
	closeOnce sync.Once
}

// New connects every configured server through the adapters in registry.
// A primary that cannot be reached fails construction; unreachable replicas
// are logged and left out.
func New[C Conn](ctx context.Context, config *Config, registry *Registry[C], logger *zap.Logger) (*Pool[C], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	primaryConfig, replicaConfigs, err := config.servers()
	if err != nil {
		return nil, err
	}

	suppressWindow := config.SuppressWindow
	degradedLogInterval := config.DegradedLogInterval
	if reflect.ValueOf(config.SuppressWindow).IsZero() {
		suppressWindow = defaultSuppressWindow
	}
	if reflect.ValueOf(config.DegradedLogInterval).IsZero() {
		degradedLogInterval = defaultDegradedLogInterval
	}
	minAvailable := config.MinAvailableReplicas
	if minAvailable <= 0 {
		minAvailable = defaultMinAvailable
	}

	p := &Pool[C]{
		logger: logger,
		events: newEventLog[C](logger, config.MetricsEmitter, degradedLogInterval),
	}

	p.primary, err = connect(ctx, registry, primaryConfig, RolePrimary, 0)
	if err != nil {
		return nil, fmt.Errorf("connect primary %q: %w", primaryConfig.Name, err)
	}
	p.events.established(p.primary)
	p.members = append(p.members, p.primary)

	for i, rc := range replicaConfigs {
		if rc.weight() == 0 {
			logger.Debug("skipping replica with zero weight", zap.String("connection", rc.Name))
			continue
		}
		m, err := connect(ctx, registry, rc, RoleReplica, i+1)
		if err != nil {
			logger.Error("error connecting to read connection", zap.String("connection", rc.Name),
				zap.String("adapter", rc.Adapter), zap.Error(err))
			continue
		}
		p.events.established(m)
		p.replicas = append(p.replicas, m)
		p.members = append(p.members, m)
	}

	p.tracker = newAvailabilityTracker(p.replicas, suppressWindow, minAvailable, p.events)
	return p, nil
}

func connect[C Conn](ctx context.Context, registry *Registry[C], server ServerConfig, role Role, index int) (*member[C], error) {
	adapter, err := registry.Lookup(server.Adapter)
	if err != nil {
		return nil, err
	}
	if server.ConnectTimeout == 0 {
		server.ConnectTimeout = defaultConnectTimeout
	}
	conn, err := adapter.Connect(ctx, server)
	if err != nil {
		return nil, err
	}
	weight := 0
	if role == RoleReplica {
		weight = server.weight()
	}
	return &member[C]{
		id:      uuid.New(),
		name:    server.Name,
		kind:    server.Adapter,
		role:    role,
		weight:  weight,
		index:   index,
		conn:    conn,
		adapter: adapter,
	}, nil
}

func (p *Pool[C]) Primary() C {
	return p.primary.conn
}

// Replicas returns every replica the pool was built with, available or not.
func (p *Pool[C]) Replicas() []C {
	return conns(p.replicas)
}

// Members returns the primary followed by every replica.
func (p *Pool[C]) Members() []C {
	return conns(p.members)
}

// AvailableReplicas returns the replicas currently in rotation. Expired
// quarantines are probed as a side effect.
func (p *Pool[C]) AvailableReplicas(ctx context.Context) []C {
	return conns(p.tracker.available(ctx))
}

// Replica makes one weighted pick among the available replicas.
func (p *Pool[C]) Replica(ctx context.Context) (C, error) {
	m, err := p.tracker.pick(p.tracker.available(ctx))
	if err != nil {
		var zero C
		return zero, err
	}
	return m.conn, nil
}

// Weight returns the read weight of conn, or 0 for the primary and unknown connections.
func (p *Pool[C]) Weight(conn C) int {
	if m := p.find(conn); m != nil {
		return m.weight
	}
	return 0
}

// Suppress takes conn out of read rotation for one suppress window, as if an
// operation on it had failed.
func (p *Pool[C]) Suppress(ctx context.Context, conn C, reason error) {
	if m := p.find(conn); m != nil {
		p.tracker.suppress(ctx, m, reason)
	}
}

func (p *Pool[C]) find(conn C) *member[C] {
	for _, m := range p.members {
		if any(m.conn) == any(conn) {
			return m
		}
	}
	return nil
}

type MemberStats struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Adapter          string     `json:"adapter"`
	Role             string     `json:"role"`
	Weight           int        `json:"weight"`
	Available        bool       `json:"available"`
	QuarantinedUntil *time.Time `json:"quarantinedUntil,omitempty"`
	Runtime          float64    `json:"runtimeMS"`
}

// Stats describes every member without probing any of them.
func (p *Pool[C]) Stats() []MemberStats {
	quarantined := p.tracker.quarantined()
	stats := make([]MemberStats, 0, len(p.members))
	for _, m := range p.members {
		s := MemberStats{
			ID:        m.id.String(),
			Name:      m.name,
			Adapter:   m.kind,
			Role:      m.role.String(),
			Weight:    m.weight,
			Available: true,
			Runtime:   float64(m.loadRuntime()) / float64(time.Millisecond),
		}
		if q, ok := quarantined[m]; ok {
			until := q.until
			s.Available = false
			s.QuarantinedUntil = &until
		}
		stats = append(stats, s)
	}
	return stats
}

func conns[C Conn](members []*member[C]) []C {
	out := make([]C, len(members))
	for i, m := range members {
		out[i] = m.conn
	}
	return out
}
