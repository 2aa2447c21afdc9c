package dataflow

import (
	"github.com/l7mp/deltaview/pkg/row"
)

// joinOp is an equi-join on explicit key columns. Both sides are always
// materialized inside the join (indexed on the join key), even in otherwise
// partial graphs: a match can arrive from either side at any time. On a
// delta from side A with key k the operator looks up all currently-held rows
// for k on side B, emits one output delta per match with the triggering
// delta's sign, and only then folds the triggering row into side A's index.
type joinOp struct {
	name      string
	leftID    NodeID
	rightID   NodeID
	leftKey   []int
	rightKey  []int
	leftArity int

	left  *KeyedState
	right *KeyedState
}

// NewJoinOp creates a join of the two parents on the given key columns
// (positions local to each parent's schema). leftArity is the width of the
// left schema; the output row is the left row concatenated with the right
// row.
func NewJoinOp(name string, leftID, rightID NodeID, leftKey, rightKey []int, leftArity int) Operator {
	return &joinOp{
		name:      name,
		leftID:    leftID,
		rightID:   rightID,
		leftKey:   leftKey,
		rightKey:  rightKey,
		leftArity: leftArity,
		left:      NewKeyedState(name+".left", leftKey),
		right:     NewKeyedState(name+".right", rightKey),
	}
}

func (j *joinOp) Apply(from NodeID, deltas []row.Delta) ([]row.Delta, error) {
	var out []row.Delta

	// Per-delta: lookup first, then fold, so a batch never joins a row
	// against itself.
	for _, d := range deltas {
		var (
			own, other   *KeyedState
			ownKey       []int
			otherKeyCols []int
			fromLeft     bool
		)
		switch from {
		case j.leftID:
			own, other, ownKey, otherKeyCols, fromLeft = j.left, j.right, j.leftKey, j.rightKey, true
		case j.rightID:
			own, other, ownKey, otherKeyCols, fromLeft = j.right, j.left, j.rightKey, j.leftKey, false
		default:
			return nil, corrupt(j.name, "delta from unexpected parent %d", from)
		}

		key := d.Row.EncodeKey(ownKey)
		matches, err := other.Lookup(otherKeyCols, key)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			out = append(out, row.Delta{Row: j.emit(d.Row, m, fromLeft), Sign: d.Sign})
		}

		if err := own.Apply([]row.Delta{d}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Replay joins upquery rows against the opposite side without updating own
// state: replayed rows came from an ancestor's state that this join's side
// index already mirrors.
func (j *joinOp) Replay(deltas []row.Delta) ([]row.Delta, error) {
	var out []row.Delta
	for _, d := range deltas {
		key := d.Row.EncodeKey(j.leftKey)
		matches, err := j.right.Lookup(j.rightKey, key)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			out = append(out, row.Delta{Row: j.emit(d.Row, m, true), Sign: d.Sign})
		}
	}
	return out, nil
}

func (j *joinOp) emit(a, b row.Row, aIsLeft bool) row.Row {
	if !aIsLeft {
		a, b = b, a
	}
	out := make(row.Row, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// AddIndex registers an additional lookup index over output column
// positions, for upqueries rooting at this join. The columns must fall
// entirely on one side.
func (j *joinOp) AddIndex(cols []int) {
	side, local := j.sideOf(cols)
	side.AddIndex(local)
}

func (j *joinOp) sideOf(cols []int) (*KeyedState, []int) {
	onLeft := true
	for _, c := range cols {
		if c >= j.leftArity {
			onLeft = false
		}
	}
	if onLeft {
		return j.left, cols
	}
	local := make([]int, len(cols))
	for i, c := range cols {
		local[i] = c - j.leftArity
	}
	return j.right, local
}

// LookupKey answers a point lookup over output columns falling on one side:
// the side rows under key joined against the opposite index.
func (j *joinOp) LookupKey(cols []int, key string) ([]row.Row, error) {
	side, local := j.sideOf(cols)
	rows, err := side.Lookup(local, key)
	if err != nil {
		return nil, err
	}

	fromLeft := side == j.left
	other, otherKey, ownKey := j.right, j.rightKey, j.leftKey
	if !fromLeft {
		other, otherKey, ownKey = j.left, j.leftKey, j.rightKey
	}

	var out []row.Row
	for _, r := range rows {
		matches, err := other.Lookup(otherKey, r.EncodeKey(ownKey))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			out = append(out, j.emit(r, m, fromLeft))
		}
	}
	return out, nil
}

// Snapshot materializes the full join output for a migration backfill.
func (j *joinOp) Snapshot() []row.Row {
	var out []row.Row
	for _, r := range j.left.Snapshot() {
		matches, _ := j.right.Lookup(j.rightKey, r.EncodeKey(j.leftKey))
		for _, m := range matches {
			out = append(out, j.emit(r, m, true))
		}
	}
	return out
}
