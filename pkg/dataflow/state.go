package dataflow

import (
	"github.com/l7mp/deltaview/pkg/row"
)

// KeyedState is the materialized state of a base node: the full row set,
// indexed by one or more column sets. The first index is the primary key;
// further indexes are registered at graph-build time for the lookups the
// graph will need (join keys, upquery roots), never on the hot write path.
//
// KeyedState is not locked: it is only ever touched by the single goroutine
// of its owning domain, or by the migration coordinator while that domain is
// paused.
type KeyedState struct {
	name    string
	indexes []*stateIndex
}

type stateIndex struct {
	cols []int
	rows map[string]*row.ZSet
}

// NewKeyedState creates state indexed by the given primary key columns.
func NewKeyedState(name string, primary []int) *KeyedState {
	s := &KeyedState{name: name}
	s.AddIndex(primary)
	return s
}

// AddIndex registers an additional index. Adding an existing column set is a
// no-op. The index is populated from the primary index contents.
func (s *KeyedState) AddIndex(cols []int) {
	if s.findIndex(cols) != nil {
		return
	}
	idx := &stateIndex{cols: append([]int(nil), cols...), rows: make(map[string]*row.ZSet)}
	if len(s.indexes) > 0 {
		for _, z := range s.indexes[0].rows {
			for _, d := range z.Entries() {
				idx.add(d.Row, d.Sign)
			}
		}
	}
	s.indexes = append(s.indexes, idx)
}

func (s *KeyedState) findIndex(cols []int) *stateIndex {
	for _, idx := range s.indexes {
		if equalCols(idx.cols, cols) {
			return idx
		}
	}
	return nil
}

func (idx *stateIndex) add(r row.Row, count int) {
	key := r.EncodeKey(idx.cols)
	z, ok := idx.rows[key]
	if !ok {
		z = row.NewZSet()
		idx.rows[key] = z
	}
	z.AddRow(r, count)
	if z.IsZero() {
		delete(idx.rows, key)
	}
}

// Apply folds a delta batch into every index. Retracting an absent row
// surfaces as state corruption at the owning node.
func (s *KeyedState) Apply(deltas []row.Delta) error {
	primary := s.indexes[0]
	for _, d := range deltas {
		if d.Sign < 0 {
			key := d.Row.EncodeKey(primary.cols)
			z := primary.rows[key]
			if z == nil || z.Multiplicity(d.Row) <= 0 {
				return corrupt(s.name, "retraction of absent row %v", []row.Value(d.Row))
			}
		}
		for _, idx := range s.indexes {
			idx.add(d.Row, d.Sign)
		}
	}
	return nil
}

// Lookup returns the rows under key in the index over cols. The index must
// have been registered at build time.
func (s *KeyedState) Lookup(cols []int, key string) ([]row.Row, error) {
	idx := s.findIndex(cols)
	if idx == nil {
		return nil, corrupt(s.name, "no index over columns %v", cols)
	}
	z, ok := idx.rows[key]
	if !ok {
		return nil, nil
	}
	return z.Rows(), nil
}

// Snapshot returns every row currently held, expanded by multiplicity.
func (s *KeyedState) Snapshot() []row.Row {
	var out []row.Row
	for _, z := range s.indexes[0].rows {
		out = append(out, z.Rows()...)
	}
	return out
}

// Len returns the number of distinct primary keys.
func (s *KeyedState) Len() int { return len(s.indexes[0].rows) }

func equalCols(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
