// Package seen defines the durable record of delivered feed-item
// identities. An identity present in the store is never re-delivered,
// across process restarts.
package seen

import (
	"context"
	"time"
)

// Record is one seen identity.
type Record struct {
	Identity    string
	FirstSeenAt time.Time
}

// Store is the persistence interface for seen identities.
//
// MarkSeen must be durable before it returns: a subsequent HasSeen in this
// or a later process lifetime returns true. Marking an already-seen
// identity is a no-op, not an error. The pipeline is the single writer;
// passes never overlap.
type Store interface {
	HasSeen(ctx context.Context, identity string) (bool, error)
	MarkSeen(ctx context.Context, identity string, at time.Time) error
	// Prune removes records first seen before the horizon and returns the
	// number removed. Records older than the feed look-back window can
	// never be refetched, so they are safe to evict.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
