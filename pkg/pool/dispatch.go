package pool

import (
	"context"
	"time"
)

// Do runs fn against the connection chosen by routing.
//
// ForcePrimary runs fn once on the primary and returns its error. PreferReplica
// picks a weighted replica; when fn fails with a connection failure the replica
// is quarantined and another one is tried, never the same one twice. Once no
// untried replica remains fn runs on the primary, so a call makes at most
// len(replicas)+1 attempts. Errors that are not connection failures are
// returned as they are.
func (p *Pool[C]) Do(ctx context.Context, routing Routing, fn func(ctx context.Context, conn C) error) error {
	if routing == ForcePrimary || len(p.replicas) == 0 {
		return p.run(ctx, p.primary, fn)
	}

	var tried []*member[C]
	var lastErr error
	for attempt := 0; attempt < len(p.replicas); attempt++ {
		candidates := untried(p.tracker.available(ctx), tried)
		if len(candidates) == 0 {
			break
		}
		m, err := p.tracker.pick(candidates)
		if err != nil {
			break
		}
		err = p.run(ctx, m, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if _, ok := err.(*ConnectionError); !ok {
			return err
		}
		lastErr = err
		tried = append(tried, m)
		p.tracker.suppress(ctx, m, err)
	}
	if len(tried) > 0 {
		p.events.exhausted(len(tried), lastErr)
	}
	return p.run(ctx, p.primary, fn)
}

// run executes fn on m, records its runtime and wraps connection failures.
func (p *Pool[C]) run(ctx context.Context, m *member[C], fn func(ctx context.Context, conn C) error) error {
	start := time.Now()
	err := fn(ctx, m.conn)
	m.addRuntime(time.Since(start))
	if err == nil || ctx.Err() != nil {
		return err
	}
	if m.isConnectionFailure(ctx, err) {
		return &ConnectionError{Conn: m.name, Role: m.role, Err: err}
	}
	return err
}

func untried[C Conn](set, tried []*member[C]) []*member[C] {
	if len(tried) == 0 {
		return set
	}
	out := make([]*member[C], 0, len(set))
	for _, m := range set {
		if !containsMember(tried, m) {
			out = append(out, m)
		}
	}
	return out
}
