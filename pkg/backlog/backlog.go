// Package backlog implements the reader-side materialization: a keyed store
// holding the running result set of one named query, safe for concurrent
// lookups against the live write path. A reader never observes a partially
// applied batch: batches apply under the write lock as a unit, so lookups see
// a consistent prefix of the delta stream (causal, not linearizable,
// freshness).
package backlog

import (
	"fmt"
	"sync"

	"github.com/l7mp/deltaview/pkg/row"
)

// Store is the materialized row set of one reader endpoint, indexed by the
// reader's key columns. A partial store holds only keys that have been
// populated by an upquery and not evicted since; for a partial store the
// absence of a key is ambiguous between "never requested" and "evicted" and
// must trigger an upquery.
type Store struct {
	mu      sync.RWMutex
	keyCols []int
	partial bool
	rows    map[string]*row.ZSet
	ts      uint64 // batches applied, lookup-visible watermark
}

// New creates a reader store keyed on the given column positions.
func New(keyCols []int, partial bool) *Store {
	return &Store{
		keyCols: keyCols,
		partial: partial,
		rows:    make(map[string]*row.ZSet),
	}
}

// Partial reports whether the store is lazily materialized.
func (s *Store) Partial() bool { return s.partial }

// KeyCols returns the key column positions.
func (s *Store) KeyCols() []int { return s.keyCols }

// Apply folds one delta batch into the store atomically. On a partial store
// deltas for non-resident keys are skipped: the key's state will be rebuilt
// wholesale by the next upquery. Retracting a row that is not present is an
// invariant violation reported to the caller.
func (s *Store) Apply(deltas []row.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range deltas {
		key := d.Row.EncodeKey(s.keyCols)
		z, ok := s.rows[key]
		if !ok {
			if s.partial {
				continue // not resident
			}
			z = row.NewZSet()
			s.rows[key] = z
		}
		if d.Sign < 0 && z.Multiplicity(d.Row) <= 0 {
			return fmt.Errorf("retraction of absent row %v", []row.Value(d.Row))
		}
		z.AddDelta(d)
		if !s.partial && z.IsZero() {
			delete(s.rows, key)
		}
	}
	s.ts++
	return nil
}

// Lookup returns the rows under key and whether the key is resident. On a
// full store every key is resident (possibly with zero rows).
func (s *Store) Lookup(key string) ([]row.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.rows[key]
	if !ok {
		if s.partial {
			return nil, false
		}
		return nil, true
	}
	return z.Rows(), true
}

// Watermark returns the number of batches applied so far.
func (s *Store) Watermark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ts
}

// Materialize installs the row set for a key, making it resident. Used by
// upquery replays and migration backfills.
func (s *Store) Materialize(key string, rows []row.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key] = row.FromRows(rows)
}

// Evict drops the state under key. Only meaningful on partial stores: the
// next lookup for the key will re-trigger an upquery.
func (s *Store) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
}

// Len returns the number of resident keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Snapshot returns all resident rows. Used when the reader's contents seed a
// migration backfill.
func (s *Store) Snapshot() []row.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []row.Row
	for _, z := range s.rows {
		out = append(out, z.Rows()...)
	}
	return out
}
