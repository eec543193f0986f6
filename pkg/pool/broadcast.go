package pool

import (
	"context"
	"time"
)

// each applies fn to the primary and every replica regardless of their
// availability. Failures are logged and never stop the iteration.
func (p *Pool[C]) each(op string, fn func(m *member[C]) error) {
	for _, m := range p.members {
		if err := fn(m); err != nil {
			p.events.broadcastError(m, op, err)
		}
	}
}

// ActiveAll reports whether every member is active. A single inactive replica
// makes the whole pool report inactive even though reads may still succeed.
// Each inactive member is logged.
func (p *Pool[C]) ActiveAll(ctx context.Context) bool {
	active := true
	p.each("active", func(m *member[C]) error {
		if !m.conn.IsActive(ctx) {
			active = false
			return errInactive
		}
		return nil
	})
	return active
}

func (p *Pool[C]) ReconnectAll(ctx context.Context) {
	p.each("reconnect", func(m *member[C]) error {
		return m.conn.Reconnect(ctx)
	})
}

func (p *Pool[C]) DisconnectAll(ctx context.Context) {
	p.each("disconnect", func(m *member[C]) error {
		return m.conn.Disconnect(ctx)
	})
}

// VerifyAll reconnects every member that no longer reports itself active.
func (p *Pool[C]) VerifyAll(ctx context.Context) {
	p.each("verify", func(m *member[C]) error {
		if m.conn.IsActive(ctx) {
			return nil
		}
		if err := m.conn.Reconnect(ctx); err != nil {
			return err
		}
		if !m.conn.IsActive(ctx) {
			return errStillInactive
		}
		return nil
	})
}

// ResetRuntime returns the time spent in operations across all members since
// the previous call and starts counting again from zero.
func (p *Pool[C]) ResetRuntime() time.Duration {
	var total time.Duration
	p.each("reset_runtime", func(m *member[C]) error {
		total += m.resetRuntime()
		return nil
	})
	return total
}

// Close disconnects every member once.
func (p *Pool[C]) Close() {
	p.closeOnce.Do(func() {
		p.DisconnectAll(context.Background())
		p.logger.Info("cluster pool closed")
	})
}
