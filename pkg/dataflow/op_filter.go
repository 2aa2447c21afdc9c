package dataflow

import (
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// FilterPred is one literal comparison predicate of a filter node.
type FilterPred struct {
	Col   int
	Op    recipe.CmpOp
	Value row.Value
}

// Matches evaluates the predicate against a row.
func (p FilterPred) Matches(r row.Row) bool {
	c := row.Compare(r[p.Col], p.Value)
	switch p.Op {
	case recipe.CmpEq:
		return c == 0
	case recipe.CmpNe:
		return c != 0
	case recipe.CmpLt:
		return c < 0
	case recipe.CmpLe:
		return c <= 0
	case recipe.CmpGt:
		return c > 0
	case recipe.CmpGe:
		return c >= 0
	default:
		return false
	}
}

// filterOp passes through deltas whose row satisfies every predicate and
// drops the rest. Stateless: an insertion and its later retraction either
// both pass or both get dropped, so downstream state stays consistent.
type filterOp struct {
	preds []FilterPred
}

// NewFilterOp creates a filter over a predicate conjunction.
func NewFilterOp(preds []FilterPred) Operator {
	return &filterOp{preds: preds}
}

func (f *filterOp) Apply(_ NodeID, deltas []row.Delta) ([]row.Delta, error) {
	var out []row.Delta
	for _, d := range deltas {
		if f.matches(d.Row) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *filterOp) Replay(deltas []row.Delta) ([]row.Delta, error) {
	return f.Apply(0, deltas)
}

func (f *filterOp) matches(r row.Row) bool {
	for _, p := range f.preds {
		if !p.Matches(r) {
			return false
		}
	}
	return true
}

// projectOp remaps input columns into the output order. Stateless.
type projectOp struct {
	cols []int
}

// NewProjectOp creates a projection onto the given input positions.
func NewProjectOp(cols []int) Operator {
	return &projectOp{cols: append([]int(nil), cols...)}
}

func (p *projectOp) Apply(_ NodeID, deltas []row.Delta) ([]row.Delta, error) {
	out := make([]row.Delta, len(deltas))
	for i, d := range deltas {
		out[i] = row.Delta{Row: d.Row.Project(p.cols), Sign: d.Sign}
	}
	return out, nil
}

func (p *projectOp) Replay(deltas []row.Delta) ([]row.Delta, error) {
	return p.Apply(0, deltas)
}

// Cols exposes the projection map for upquery path construction.
func (p *projectOp) Cols() []int { return p.cols }
