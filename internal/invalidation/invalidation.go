// Package invalidation is the boundary toward external cache reconcilers.
// After a committed mutation the service emits a signal keyed by the registry
// collection key; subscribers re-fetch the collection. The core never pushes
// incremental diffs, only "this collection is stale".
package invalidation

import "context"

// NamespacesKey is the well-known key for the registration collection.
// External caches key their copy of the collection under it and subscribe to
// its channel for staleness signals.
const NamespacesKey = "registry:namespaces"

// Invalidator emits staleness signals for a collection key.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Noop discards invalidation signals. Used when no external cache is
// configured.
type Noop struct{}

func (Noop) Invalidate(context.Context, string) error { return nil }
