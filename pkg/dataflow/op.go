package dataflow

import (
	"github.com/l7mp/deltaview/pkg/row"
)

// Operator computes output deltas from input deltas at one graph node.
// Implementations own whatever state the operator needs; state is only ever
// touched by the owning domain's goroutine (or by the migration coordinator
// while the domain is paused), so operators are unlocked.
type Operator interface {
	// Apply folds a live delta batch arriving from the given parent into
	// the operator and returns the deltas to emit downstream.
	Apply(from NodeID, deltas []row.Delta) ([]row.Delta, error)

	// Replay runs upquery rows forward as if they were live insertions,
	// without re-folding state the operator already holds. Stateless
	// operators transform; a join consults (but does not update) its side
	// indexes; a partial aggregate materializes the replayed groups.
	Replay(deltas []row.Delta) ([]row.Delta, error)
}

// KeyLookup is implemented by operators whose state can answer a point
// lookup directly: these are the nodes an upquery path can root at.
type KeyLookup interface {
	LookupKey(cols []int, key string) ([]row.Row, error)
}

// Snapshotter is implemented by operators whose full output can be read out
// for a migration backfill.
type Snapshotter interface {
	Snapshot() []row.Row
}

// Evictor is implemented by operators with evictable partial state.
type Evictor interface {
	EvictKey(key string)
}

// Indexer is implemented by operators that can serve point lookups over
// additional column sets when told at build time which ones to index.
type Indexer interface {
	AddIndex(cols []int)
}
