package pool

import (
	"context"
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map"
)

// Factory opens the connection described by server. Implementations must
// honour server.ConnectTimeout.
type Factory[C Conn] func(ctx context.Context, server ServerConfig) (C, error)

// Adapter is the prebuilt configuration for one adapter kind.
type Adapter[C Conn] struct {
	Connect Factory[C]
	// IsConnectionError reports whether err is a connection-level failure.
	// A nil classifier treats every error as one.
	IsConnectionError func(err error) bool
}

// Registry maps adapter kinds to adapters. Build it once at startup and hand
// it to every pool that needs it.
type Registry[C Conn] struct {
	adapters cmap.ConcurrentMap
}

func NewRegistry[C Conn]() *Registry[C] {
	return &Registry[C]{adapters: cmap.New()}
}

// Register adds adapter under each of kinds, replacing earlier registrations.
func (r *Registry[C]) Register(adapter Adapter[C], kinds ...string) *Registry[C] {
	for _, kind := range kinds {
		r.adapters.Set(kind, adapter)
	}
	return r
}

func (r *Registry[C]) Lookup(kind string) (Adapter[C], error) {
	if kind == "" {
		return Adapter[C]{}, fmt.Errorf("%w: server does not specify an adapter", ErrAdapterNotFound)
	}
	v, ok := r.adapters.Get(kind)
	if !ok {
		return Adapter[C]{}, fmt.Errorf("%w: %q", ErrAdapterNotFound, kind)
	}
	return v.(Adapter[C]), nil
}

// Kinds returns the registered adapter kinds in sorted order.
func (r *Registry[C]) Kinds() []string {
	kinds := r.adapters.Keys()
	sort.Strings(kinds)
	return kinds
}
