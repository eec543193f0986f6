package pool

import (
	"context"
	"sync"
	"time"
)

// generation is a set of replicas usable for reads. Fields are only touched
// under the tracker lock; members is replaced, never modified, so slices
// handed out earlier stay valid.
type generation[C Conn] struct {
	members     []*member[C]
	quarantined *member[C]
	expiresAt   time.Time
	probing     bool
}

func (g *generation[C]) expired(now time.Time) bool {
	return g.quarantined != nil && !g.probing && !now.Before(g.expiresAt)
}

// availabilityTracker keeps a stack of generations. The bottom one holds the
// full replica set and never expires; each quarantine pushes a smaller one.
type availabilityTracker[C Conn] struct {
	mu          sync.Mutex
	generations []*generation[C]
	selector    weightedSelector[C]
	window      time.Duration
	// minAvailable is the smallest set a quarantine may leave behind.
	minAvailable int
	now          func() time.Time
	events       *eventLog[C]
}

func newAvailabilityTracker[C Conn](replicas []*member[C], window time.Duration, minAvailable int,
	events *eventLog[C]) *availabilityTracker[C] {
	full := make([]*member[C], len(replicas))
	copy(full, replicas)
	return &availabilityTracker[C]{
		generations:  []*generation[C]{{members: full}},
		window:       window,
		minAvailable: minAvailable,
		now:          time.Now,
		events:       events,
	}
}

func (t *availabilityTracker[C]) top() *generation[C] {
	return t.generations[len(t.generations)-1]
}

// available returns the members currently eligible for reads. An expired top
// generation is probed first: the quarantined member is reconnected outside
// the lock and, on success, the generation is dropped and the next one is
// examined. A failed probe pushes the expiry out by another window.
func (t *availabilityTracker[C]) available(ctx context.Context) []*member[C] {
	for {
		t.mu.Lock()
		top := t.top()
		if !top.expired(t.now()) {
			members := top.members
			t.mu.Unlock()
			return members
		}
		top.probing = true
		t.mu.Unlock()

		err := reinstate(ctx, top.quarantined)

		t.mu.Lock()
		top.probing = false
		if err != nil {
			top.expiresAt = t.now().Add(t.window)
			members := t.top().members
			t.mu.Unlock()
			t.events.reconnectFailed(top.quarantined, err, t.window)
			return members
		}
		t.drop(top)
		t.mu.Unlock()
		t.events.reinstated(top.quarantined)
	}
}

func reinstate[C Conn](ctx context.Context, m *member[C]) error {
	if err := m.conn.Reconnect(ctx); err != nil {
		return &ReconnectError{Conn: m.name, Err: err}
	}
	if !m.conn.IsActive(ctx) {
		return &ReconnectError{Conn: m.name, Err: errStillInactive}
	}
	return nil
}

// drop removes g from the stack. Generations pushed above g after it was
// created never contained g's quarantined member, so it is added back to them.
// Must hold t.mu.
func (t *availabilityTracker[C]) drop(g *generation[C]) {
	idx := -1
	for i, candidate := range t.generations {
		if candidate == g {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	for _, above := range t.generations[idx+1:] {
		above.members = withMember(above.members, g.quarantined)
	}
	t.generations = append(t.generations[:idx], t.generations[idx+1:]...)
}

// suppress quarantines m for one window. When fewer than minAvailable members
// would remain the stack is reset to the full set instead, and every inactive replica is
// reconnected; individual reconnect failures are tolerated.
func (t *availabilityTracker[C]) suppress(ctx context.Context, m *member[C], reason error) {
	t.mu.Lock()
	top := t.top()
	if !containsMember(top.members, m) {
		// not a read connection, or somebody else already quarantined it
		t.mu.Unlock()
		return
	}
	remaining := withoutMember(top.members, m)
	if len(remaining) >= t.minAvailable {
		t.generations = append(t.generations, &generation[C]{
			members:     remaining,
			quarantined: m,
			expiresAt:   t.now().Add(t.window),
		})
		t.mu.Unlock()
		t.events.suppressed(m, reason, t.window)
		return
	}
	t.generations = t.generations[:1]
	full := t.generations[0].members
	t.mu.Unlock()

	t.events.allDead(len(full))
	for _, r := range full {
		if r.conn.IsActive(ctx) {
			continue
		}
		if err := r.conn.Reconnect(ctx); err != nil {
			t.events.broadcastError(r, "reconnect", err)
		}
	}
}

// pick runs the weighted selector over set under the tracker lock.
func (t *availabilityTracker[C]) pick(set []*member[C]) (*member[C], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selector.pick(set)
}

type quarantine struct {
	until time.Time
}

// quarantined reports the expiry of every member currently held out of rotation.
func (t *availabilityTracker[C]) quarantined() map[*member[C]]quarantine {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[*member[C]]quarantine, len(t.generations)-1)
	for _, g := range t.generations[1:] {
		out[g.quarantined] = quarantine{until: g.expiresAt}
	}
	return out
}

func containsMember[C Conn](set []*member[C], m *member[C]) bool {
	for _, candidate := range set {
		if candidate == m {
			return true
		}
	}
	return false
}

func withoutMember[C Conn](set []*member[C], m *member[C]) []*member[C] {
	out := make([]*member[C], 0, len(set))
	for _, candidate := range set {
		if candidate != m {
			out = append(out, candidate)
		}
	}
	return out
}

// withMember returns set plus m, keeping construction order.
func withMember[C Conn](set []*member[C], m *member[C]) []*member[C] {
	if containsMember(set, m) {
		return set
	}
	out := make([]*member[C], 0, len(set)+1)
	added := false
	for _, candidate := range set {
		if !added && m.index < candidate.index {
			out = append(out, m)
			added = true
		}
		out = append(out, candidate)
	}
	if !added {
		out = append(out, m)
	}
	return out
}
