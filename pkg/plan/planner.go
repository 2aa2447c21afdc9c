package plan

import (
	"strings"

	"github.com/l7mp/deltaview/pkg/recipe"
)

// Planner lowers the queries of one recipe. Queries are planned in recipe
// order so that a query referencing an earlier query sees its resolved output
// schema.
type Planner struct {
	rec     *recipe.Recipe
	schemas map[string]Schema // source name -> schema as seen by consumers
	plans   map[string]*Plan
}

// NewPlanner creates a planner for the recipe.
func NewPlanner(rec *recipe.Recipe) *Planner {
	p := &Planner{
		rec:     rec,
		schemas: make(map[string]Schema),
		plans:   make(map[string]*Plan),
	}
	for _, t := range rec.Tables {
		sch := make(Schema, len(t.Columns))
		for i, c := range t.Columns {
			sch[i] = Column{Name: c.Name, Source: t.Name, Type: c.Type}
		}
		p.schemas[t.Name] = sch
	}
	return p
}

// PlanAll plans every query of the recipe, in order.
func (p *Planner) PlanAll() ([]*Plan, error) {
	out := make([]*Plan, 0, len(p.rec.Queries))
	for _, q := range p.rec.Queries {
		pl, err := p.PlanQuery(q)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, nil
}

// Plan returns the plan of a named query, if already planned.
func (p *Planner) Plan(name string) (*Plan, bool) {
	pl, ok := p.plans[name]
	return pl, ok
}

// provenance tracks, for an output column, the source-local column it carries
// through unchanged. Aggregate outputs have no provenance.
type prov struct {
	src int // index into query.From, -1 if none
	col int // column within that source's schema
}

// paramKey records where a '?' parameter binds: source, source-local column
// and appearance index.
type paramKey struct {
	src, col, idx int
}

// PlanQuery lowers one parsed query into an operator tree with resolved
// schemas.
func (p *Planner) PlanQuery(q *recipe.Query) (*Plan, error) {
	// Per-source schemas, requalified under the source's name.
	srcSchemas := make([]Schema, len(q.From))
	for i, name := range q.From {
		base, ok := p.schemas[name]
		if !ok {
			return nil, &recipe.UnresolvedReferenceError{Query: q.Name, Ref: name}
		}
		sch := make(Schema, len(base))
		for j, c := range base {
			sch[j] = Column{Name: c.Name, Source: name, Type: c.Type}
		}
		srcSchemas[i] = sch
	}

	resolve := func(ref recipe.ColumnRef) (int, int, error) {
		foundSrc, foundCol := -1, -1
		for i, name := range q.From {
			if ref.Qualifier != "" && ref.Qualifier != name {
				continue
			}
			for j, c := range srcSchemas[i] {
				if c.Name == ref.Column {
					if foundSrc >= 0 {
						return -1, -1, unsupported(q.Name, "ambiguous column reference %q", ref)
					}
					foundSrc, foundCol = i, j
				}
			}
		}
		if foundSrc < 0 {
			return -1, -1, unsupported(q.Name, "unknown column %q", ref)
		}
		return foundSrc, foundCol, nil
	}

	// Classify predicates: literal filters per source, join conditions
	// across sources, parameter markers for the reader key.
	type joinPred struct{ aSrc, aCol, bSrc, bCol int }
	filters := make(map[int][]*Filter)
	var joins []joinPred
	var params []paramKey

	for _, pred := range q.Where {
		lsrc, lcol, err := resolve(pred.Left)
		if err != nil {
			return nil, err
		}
		switch {
		case pred.Param:
			params = append(params, paramKey{src: lsrc, col: lcol, idx: pred.ParamIndex})

		case pred.RightCol != nil:
			rsrc, rcol, err := resolve(*pred.RightCol)
			if err != nil {
				return nil, err
			}
			if lsrc == rsrc {
				return nil, unsupported(q.Name, "self-comparison within one source is not supported")
			}
			if pred.Op != recipe.CmpEq {
				return nil, unsupported(q.Name, "only equi-joins are supported, got %s", pred.Op)
			}
			joins = append(joins, joinPred{aSrc: lsrc, aCol: lcol, bSrc: rsrc, bCol: rcol})

		default:
			filters[lsrc] = append(filters[lsrc], &Filter{Col: lcol, Op: pred.Op, Value: pred.Literal})
		}
	}

	// Per-source chains: scan plus literal filters.
	chains := make([]Tree, len(q.From))
	for i, name := range q.From {
		_, isQuery := p.plans[name]
		var t Tree = &Scan{Source: name, IsQuery: isQuery, Out: srcSchemas[i]}
		for _, f := range filters[i] {
			f.Input = t
			t = f
		}
		chains[i] = t
	}

	// Left-deep join in FROM order. posOf maps (source, local column) to a
	// position in the combined schema.
	posOf := make([]map[int]int, len(q.From))
	posOf[0] = identityPos(len(srcSchemas[0]))
	joined := map[int]bool{0: true}
	cur := chains[0]

	for i := 1; i < len(q.From); i++ {
		var link *joinPred
		for k := range joins {
			jp := &joins[k]
			if joined[jp.aSrc] && jp.bSrc == i {
				link = jp
			} else if joined[jp.bSrc] && jp.aSrc == i {
				jp.aSrc, jp.aCol, jp.bSrc, jp.bCol = jp.bSrc, jp.bCol, jp.aSrc, jp.aCol
				link = jp
			}
			if link != nil {
				break
			}
		}
		if link == nil {
			return nil, unsupported(q.Name, "source %q has no equality predicate joining it to the preceding sources", q.From[i])
		}

		offset := len(cur.Schema())
		out := make(Schema, 0, offset+len(srcSchemas[i]))
		out = append(out, cur.Schema()...)
		out = append(out, srcSchemas[i]...)

		cur = &Join{
			Left:      cur,
			Right:     chains[i],
			LeftCols:  []int{posOf[link.aSrc][link.aCol]},
			RightCols: []int{link.bCol},
			Out:       out,
		}
		posOf[i] = offsetPos(len(srcSchemas[i]), offset)
		joined[i] = true
	}

	combined := cur.Schema()
	combinedProv := make([]prov, len(combined))
	for src, m := range posOf {
		for local, pos := range m {
			combinedProv[pos] = prov{src: src, col: local}
		}
	}

	hasAgg := false
	for _, item := range q.Select {
		if item.Agg != recipe.AggNone {
			hasAgg = true
		}
	}

	var (
		tree    = cur
		outCols []int
		outSch  Schema
		outProv []prov
	)

	if hasAgg || len(q.GroupBy) > 0 {
		if len(q.GroupBy) == 0 {
			return nil, unsupported(q.Name, "aggregates require a GROUP BY clause")
		}

		groupCols := make([]int, len(q.GroupBy))
		for i, ref := range q.GroupBy {
			src, col, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			groupCols[i] = posOf[src][col]
		}

		agg := &Aggregate{Input: tree, GroupBy: groupCols}
		aggSch := make(Schema, 0, len(groupCols)+2)
		aggProv := make([]prov, 0, len(groupCols)+2)
		for _, gc := range groupCols {
			aggSch = append(aggSch, combined[gc])
			aggProv = append(aggProv, combinedProv[gc])
		}
		aggIdx := map[int]int{} // select item index -> aggregate output position

		for i, item := range q.Select {
			if item.Agg == recipe.AggNone {
				continue
			}
			spec := AggSpec{Fn: item.Agg, Col: -1, Name: aggName(item)}
			if !item.Star {
				src, col, err := resolve(item.Column)
				if err != nil {
					return nil, err
				}
				spec.Col = posOf[src][col]
			} else if item.Agg != recipe.AggCount {
				return nil, unsupported(q.Name, "%s(*) is not supported", item.Agg)
			}
			aggIdx[i] = len(aggSch)
			agg.Aggs = append(agg.Aggs, spec)
			aggSch = append(aggSch, Column{Name: spec.Name})
			aggProv = append(aggProv, prov{src: -1})
		}
		agg.Out = aggSch
		tree = agg

		// Projection over the aggregate output.
		for i, item := range q.Select {
			if pos, ok := aggIdx[i]; ok {
				outCols = append(outCols, pos)
				outSch = append(outSch, Column{Name: nameOf(item), Source: ""})
				outProv = append(outProv, prov{src: -1})
				continue
			}
			src, col, err := resolve(item.Column)
			if err != nil {
				return nil, err
			}
			pos := -1
			for gi, gc := range groupCols {
				if gc == posOf[src][col] {
					pos = gi
				}
			}
			if pos < 0 {
				return nil, unsupported(q.Name, "column %q is neither aggregated nor grouped", item.Column)
			}
			outCols = append(outCols, pos)
			outSch = append(outSch, Column{Name: nameOf(item), Source: combined[groupCols[pos]].Source, Type: combined[groupCols[pos]].Type})
			outProv = append(outProv, aggProv[pos])
		}
	} else {
		for _, item := range q.Select {
			src, col, err := resolve(item.Column)
			if err != nil {
				return nil, err
			}
			pos := posOf[src][col]
			outCols = append(outCols, pos)
			outSch = append(outSch, Column{Name: nameOf(item), Source: combined[pos].Source, Type: combined[pos].Type})
			outProv = append(outProv, combinedProv[pos])
		}
	}

	root := &Project{Input: tree, Cols: outCols, Out: outSch}

	keyCols, err := p.readerKey(q, params, outProv, outSch)
	if err != nil {
		return nil, err
	}

	pl := &Plan{Name: q.Name, Root: root, KeyCols: keyCols, Params: q.Params}
	p.plans[q.Name] = pl

	// Expose the query's output schema to later queries under its name.
	exposed := make(Schema, len(outSch))
	for i, c := range outSch {
		exposed[i] = Column{Name: c.Name, Source: q.Name, Type: c.Type}
	}
	p.schemas[q.Name] = exposed

	return pl, nil
}

// readerKey picks the columns the query's reader endpoint is keyed on:
// parameter columns when the query has parameters, projected group columns
// for grouped queries, else the first output column.
func (p *Planner) readerKey(q *recipe.Query, params []paramKey, outProv []prov, outSch Schema) ([]int, error) {
	if len(params) > 0 {
		keyCols := make([]int, len(params))
		for _, pp := range params {
			pos := -1
			for i, pr := range outProv {
				if pr.src == pp.src && pr.col == pp.col {
					pos = i
				}
			}
			if pos < 0 {
				return nil, unsupported(q.Name, "parameter column must appear in the SELECT list")
			}
			keyCols[pp.idx] = pos
		}
		return keyCols, nil
	}

	if len(q.GroupBy) > 0 {
		var keyCols []int
		for i, pr := range outProv {
			if pr.src >= 0 {
				keyCols = append(keyCols, i)
			}
		}
		if len(keyCols) > 0 {
			return keyCols, nil
		}
	}

	if len(outSch) == 0 {
		return nil, unsupported(q.Name, "empty SELECT list")
	}
	return []int{0}, nil
}

func identityPos(n int) map[int]int {
	m := make(map[int]int, n)
	for i := 0; i < n; i++ {
		m[i] = i
	}
	return m
}

func offsetPos(n, offset int) map[int]int {
	m := make(map[int]int, n)
	for i := 0; i < n; i++ {
		m[i] = offset + i
	}
	return m
}

func nameOf(item recipe.SelectItem) string {
	if item.Alias != "" {
		return item.Alias
	}
	if item.Agg != recipe.AggNone {
		return aggName(item)
	}
	return item.Column.Column
}

func aggName(item recipe.SelectItem) string {
	if item.Alias != "" {
		return item.Alias
	}
	return strings.ToLower(item.Agg.String())
}
