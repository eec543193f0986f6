package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is a single server connection driven by a Pool. Adapter packages
// supply the implementations; the pool only needs liveness and lifecycle.
type Conn interface {
	IsActive(ctx context.Context) bool
	Reconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	}
	return "unknown"
}

// Routing selects where Pool.Do sends an operation.
type Routing int

const (
	// PreferReplica load balances over available replicas and falls back to the primary.
	PreferReplica Routing = iota
	// ForcePrimary always uses the primary; failures are never retried elsewhere.
	ForcePrimary
)

func (r Routing) String() string {
	if r == ForcePrimary {
		return "force_primary"
	}
	return "prefer_replica"
}

type member[C Conn] struct {
	id      uuid.UUID
	name    string
	kind    string
	role    Role
	weight  int
	index   int
	conn    C
	adapter Adapter[C]
	runtime int64
}

func (m *member[C]) String() string {
	return m.name
}

func (m *member[C]) addRuntime(d time.Duration) {
	atomic.AddInt64(&m.runtime, int64(d))
}

func (m *member[C]) loadRuntime() time.Duration {
	return time.Duration(atomic.LoadInt64(&m.runtime))
}

func (m *member[C]) resetRuntime() time.Duration {
	return time.Duration(atomic.SwapInt64(&m.runtime, 0))
}

// isConnectionFailure decides whether err means the member itself is broken.
// Errors the adapter classifies as statement errors still count when the
// member fails its liveness probe.
func (m *member[C]) isConnectionFailure(ctx context.Context, err error) bool {
	if m.adapter.IsConnectionError == nil || m.adapter.IsConnectionError(err) {
		return true
	}
	return !m.conn.IsActive(ctx)
}
