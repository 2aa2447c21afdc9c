package graph

import (
	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/plan"
)

// partialAggCandidate returns the aggregate that may be lazily materialized
// for a parameterized query: the topmost operator under the final projection,
// provided the reader key is exactly the group key in group order. Any other
// shape ties the reader key to state the aggregate cannot rebuild per key.
func partialAggCandidate(p *plan.Plan) *plan.Aggregate {
	t := p.Root
	cols := append([]int(nil), p.KeyCols...)
	if pr, ok := t.(*plan.Project); ok {
		for i, c := range cols {
			cols[i] = pr.Cols[c]
		}
		t = pr.Input
	}
	ag, ok := t.(*plan.Aggregate)
	if !ok {
		return nil
	}
	if !identityPrefix(cols, len(ag.GroupBy)) {
		return nil
	}
	return ag
}

// upFeasible reports whether the key columns can be traced from the plan
// root up to a node that can answer a point lookup: a base table, one side
// of a join, or a group-by output. aggTarget, when non-nil, is an aggregate
// the trace must pass through rather than stop at.
func (b *Builder) upFeasible(bd *Build, t plan.Tree, cols []int, aggTarget *plan.Aggregate) bool {
	switch tn := t.(type) {
	case *plan.Scan:
		if !tn.IsQuery {
			return true
		}
		p := bd.plans[tn.Source]
		if p == nil {
			p = b.plans[tn.Source]
		}
		if p == nil {
			return false
		}
		return b.upFeasible(bd, p.Root, cols, nil)

	case *plan.Filter:
		return b.upFeasible(bd, tn.Input, cols, aggTarget)

	case *plan.Project:
		mapped := make([]int, len(cols))
		for i, c := range cols {
			mapped[i] = tn.Cols[c]
		}
		return b.upFeasible(bd, tn.Input, mapped, aggTarget)

	case *plan.Join:
		la := len(tn.Left.Schema())
		left, right := 0, 0
		for _, c := range cols {
			if c < la {
				left++
			} else {
				right++
			}
		}
		return left == 0 || right == 0

	case *plan.Aggregate:
		if !identityPrefix(cols, len(tn.GroupBy)) {
			return false
		}
		if tn != aggTarget {
			return true
		}
		return b.upFeasible(bd, tn.Input, append([]int(nil), tn.GroupBy...), nil)

	default:
		return false
	}
}

// upqueryPath walks from a reader's input node up to the nearest node that
// can answer a point lookup over the reader key, registering the lookup
// index the root will need. It returns the root, the key columns in the
// root's schema and the replay path from just below the root down to the
// reader's input (the caller appends the reader itself).
func (b *Builder) upqueryPath(bd *Build, root *dataflow.Node, keyCols []int) (dataflow.NodeID, []int, []dataflow.NodeID, bool) {
	cur := root
	cols := append([]int(nil), keyCols...)
	var rev []dataflow.NodeID

	for {
		switch cur.Kind {
		case dataflow.Base:
			b.indexReq(bd, cur, cols)
			return cur.ID, cols, reverse(rev), true

		case dataflow.Join:
			left, ok := b.g.Node(cur.Parents[0])
			if !ok {
				return 0, nil, nil, false
			}
			la := len(left.Schema)
			nLeft := 0
			for _, c := range cols {
				if c < la {
					nLeft++
				}
			}
			if nLeft != 0 && nLeft != len(cols) {
				return 0, nil, nil, false
			}
			b.indexReq(bd, cur, cols)
			return cur.ID, cols, reverse(rev), true

		case dataflow.Aggregate:
			gc, ok := cur.Op.(interface{ GroupCols() []int })
			if !ok || !identityPrefix(cols, len(gc.GroupCols())) {
				return 0, nil, nil, false
			}
			if !cur.Partial {
				return cur.ID, cols, reverse(rev), true
			}
			rev = append(rev, cur.ID)
			cols = append([]int(nil), gc.GroupCols()...)
			cur, ok = b.g.Node(cur.Parents[0])
			if !ok {
				return 0, nil, nil, false
			}

		case dataflow.Filter:
			rev = append(rev, cur.ID)
			next, ok := b.g.Node(cur.Parents[0])
			if !ok {
				return 0, nil, nil, false
			}
			cur = next

		case dataflow.Project:
			pc, ok := cur.Op.(interface{ Cols() []int })
			if !ok {
				return 0, nil, nil, false
			}
			mapped := make([]int, len(cols))
			for i, c := range cols {
				mapped[i] = pc.Cols()[c]
			}
			rev = append(rev, cur.ID)
			cols = mapped
			next, ok := b.g.Node(cur.Parents[0])
			if !ok {
				return 0, nil, nil, false
			}
			cur = next

		default:
			return 0, nil, nil, false
		}
	}
}

// indexReq ensures the upquery root holds an index over cols: applied
// directly on staged nodes, deferred to the paused splice on live ones.
func (b *Builder) indexReq(bd *Build, n *dataflow.Node, cols []int) {
	if !bd.isNew[n.ID] {
		bd.Indexes = append(bd.Indexes, IndexReq{Node: n.ID, Cols: append([]int(nil), cols...)})
		return
	}
	switch {
	case n.State != nil:
		n.State.AddIndex(cols)
	default:
		if ix, ok := n.Op.(dataflow.Indexer); ok {
			ix.AddIndex(cols)
		}
	}
}

// identityPrefix reports whether cols is exactly 0..n-1 in order.
func identityPrefix(cols []int, n int) bool {
	if len(cols) != n {
		return false
	}
	for i, c := range cols {
		if c != i {
			return false
		}
	}
	return true
}

func reverse(ids []dataflow.NodeID) []dataflow.NodeID {
	out := make([]dataflow.NodeID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
