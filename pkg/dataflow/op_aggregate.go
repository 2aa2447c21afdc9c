package dataflow

import (
	"github.com/l7mp/deltaview/pkg/plan"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// aggregateOp maintains one aggregate value set per group key. On a delta
// for group k it reads the prior output row for k, folds the signed delta
// into the group, and emits a retraction of the old output row plus an
// insertion of the new one whenever the value changed; there is no "update"
// primitive. COUNT and SUM fold in O(1); MIN and MAX are not incrementally
// invertible and keep an auxiliary multiset per group so a retraction of the
// current extremum can recompute it from the remaining members.
//
// A partial aggregate starts empty and skips deltas for non-resident groups;
// groups become resident via Replay during an upquery.
type aggregateOp struct {
	name    string
	groupBy []int
	specs   []plan.AggSpec
	partial bool
	groups  map[string]*aggGroup
}

type aggGroup struct {
	key  row.Row // group column values
	size int     // net rows in the group
	vals []aggValue
}

type aggValue struct {
	fn    recipe.AggFunc
	count int64
	sumI  int64
	sumF  float64
	isF   bool
	// members is the auxiliary multiset for MIN/MAX, keyed by encoded value.
	members map[string]*member
}

type member struct {
	val row.Value
	n   int
}

// NewAggregateOp creates a group-by/aggregate operator. groupBy and the
// AggSpec argument columns are positions in the input schema.
func NewAggregateOp(name string, groupBy []int, specs []plan.AggSpec, partial bool) Operator {
	return &aggregateOp{
		name:    name,
		groupBy: groupBy,
		specs:   specs,
		partial: partial,
		groups:  make(map[string]*aggGroup),
	}
}

func (a *aggregateOp) Apply(_ NodeID, deltas []row.Delta) ([]row.Delta, error) {
	var out []row.Delta

	for _, d := range deltas {
		key := d.Row.EncodeKey(a.groupBy)
		g, resident := a.groups[key]
		if !resident {
			if a.partial {
				continue // group not resident; next upquery rebuilds it
			}
			if d.Sign < 0 {
				return nil, corrupt(a.name, "retraction for unknown group %v", []row.Value(d.Row.Project(a.groupBy)))
			}
			g = a.newGroup(d.Row)
			a.groups[key] = g
		}

		var oldRow row.Row
		if g.size > 0 {
			oldRow = g.outputRow()
		}

		if err := a.fold(g, d); err != nil {
			return nil, err
		}

		var newRow row.Row
		if g.size > 0 {
			newRow = g.outputRow()
		} else {
			delete(a.groups, key)
		}

		// Emit retract-old/insert-new only when the output changed.
		if oldRow != nil && newRow != nil && oldRow.Encode() == newRow.Encode() {
			continue
		}
		if oldRow != nil {
			out = append(out, row.Retract(oldRow))
		}
		if newRow != nil {
			out = append(out, row.Insert(newRow))
		}
	}

	return out, nil
}

// Replay folds upquery rows into fresh groups, makes them resident and emits
// one insertion per resulting output row.
func (a *aggregateOp) Replay(deltas []row.Delta) ([]row.Delta, error) {
	touched := make(map[string]*aggGroup)
	for _, d := range deltas {
		key := d.Row.EncodeKey(a.groupBy)
		g, ok := touched[key]
		if !ok {
			g = a.newGroup(d.Row)
			touched[key] = g
		}
		if err := a.fold(g, d); err != nil {
			return nil, err
		}
	}

	var out []row.Delta
	for key, g := range touched {
		if g.size > 0 {
			a.groups[key] = g
			out = append(out, row.Insert(g.outputRow()))
		} else {
			delete(a.groups, key)
		}
	}
	return out, nil
}

func (a *aggregateOp) newGroup(r row.Row) *aggGroup {
	g := &aggGroup{key: r.Project(a.groupBy), vals: make([]aggValue, len(a.specs))}
	for i, spec := range a.specs {
		g.vals[i].fn = spec.Fn
		if spec.Fn == recipe.AggMin || spec.Fn == recipe.AggMax {
			g.vals[i].members = make(map[string]*member)
		}
	}
	return g
}

func (a *aggregateOp) fold(g *aggGroup, d row.Delta) error {
	g.size += d.Sign

	for i, spec := range a.specs {
		v := &g.vals[i]
		switch spec.Fn {
		case recipe.AggCount:
			v.count += int64(d.Sign)

		case recipe.AggSum:
			arg := d.Row[spec.Col]
			switch x := arg.(type) {
			case int64:
				v.sumI += int64(d.Sign) * x
			case float64:
				v.isF = true
				v.sumF += float64(d.Sign) * x
			case nil:
				// NULLs do not contribute
			default:
				return corrupt(a.name, "SUM over non-numeric value %v", arg)
			}

		case recipe.AggMin, recipe.AggMax:
			arg := d.Row[spec.Col]
			mk := row.EncodeValues([]row.Value{arg})
			m := v.members[mk]
			if m == nil {
				if d.Sign < 0 {
					return corrupt(a.name, "retraction of absent %s member %v", spec.Fn, arg)
				}
				m = &member{val: arg}
				v.members[mk] = m
			}
			m.n += d.Sign
			if m.n == 0 {
				delete(v.members, mk)
			} else if m.n < 0 {
				return corrupt(a.name, "negative %s member count for %v", spec.Fn, arg)
			}
		}
	}
	return nil
}

// outputRow is the group's current output: group values then one value per
// aggregate.
func (g *aggGroup) outputRow() row.Row {
	out := make(row.Row, 0, len(g.key)+len(g.vals))
	out = append(out, g.key...)
	for i := range g.vals {
		out = append(out, g.vals[i].value())
	}
	return out
}

func (v *aggValue) value() row.Value {
	switch v.fn {
	case recipe.AggCount:
		return v.count
	case recipe.AggSum:
		if v.isF {
			return v.sumF + float64(v.sumI)
		}
		return v.sumI
	default:
		return v.extremum()
	}
}

func (v *aggValue) extremum() row.Value {
	max := v.fn == recipe.AggMax
	var best row.Value
	first := true
	for _, m := range v.members {
		if first {
			best = m.val
			first = false
			continue
		}
		c := row.Compare(m.val, best)
		if max && c > 0 || !max && c < 0 {
			best = m.val
		}
	}
	return best
}

// EvictKey drops a resident group. Only meaningful on partial aggregates.
func (a *aggregateOp) EvictKey(key string) { delete(a.groups, key) }

// GroupCols returns the group-by positions in the input schema.
func (a *aggregateOp) GroupCols() []int { return a.groupBy }

// LookupKey answers a point lookup by group key. cols are output schema
// positions and must be exactly the group columns (builder invariant).
func (a *aggregateOp) LookupKey(_ []int, key string) ([]row.Row, error) {
	g, ok := a.groups[key]
	if !ok || g.size == 0 {
		return nil, nil
	}
	return []row.Row{g.outputRow()}, nil
}

// Snapshot returns every group's current output row.
func (a *aggregateOp) Snapshot() []row.Row {
	var out []row.Row
	for _, g := range a.groups {
		if g.size > 0 {
			out = append(out, g.outputRow())
		}
	}
	return out
}
