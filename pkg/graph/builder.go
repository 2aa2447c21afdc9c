// Package graph lowers logical query plans onto the dataflow node arena. The
// builder owns the mapping from recipe entries (tables, queries) to live
// nodes, shares structurally identical subtrees across queries, decides which
// nodes are partially materialized and precomputes the upquery path of every
// partial reader.
//
// Lowering is staged: a Build collects new nodes detached from the live
// graph, together with the boundary edges and index registrations that must
// be applied while the affected domains are paused. The migration
// coordinator splices or discards the stage as a unit.
package graph

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/deltaview/pkg/backlog"
	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/plan"
	"github.com/l7mp/deltaview/pkg/recipe"
)

// Edge is a parent-to-child dataflow edge.
type Edge struct {
	Parent dataflow.NodeID
	Child  dataflow.NodeID
}

// IndexReq asks for an additional lookup index on a live stateful node. It
// must be applied while the node's domain is paused.
type IndexReq struct {
	Node dataflow.NodeID
	Cols []int
}

// Builder maps recipe entries to dataflow nodes and lowers new entries onto
// the arena. Lowering and committing happen on a single migration goroutine;
// mu protects the name maps against concurrent readers on the engine's
// submit/lookup path.
type Builder struct {
	g   *dataflow.Graph
	log logr.Logger

	mu        sync.RWMutex
	bases     map[string]dataflow.NodeID
	readers   map[string]dataflow.NodeID
	outputs   map[string]dataflow.NodeID // query name -> node feeding its reader
	shared    map[string]dataflow.NodeID // plan signature -> node
	plans     map[string]*plan.Plan
	partialUp map[dataflow.NodeID]bool // node emits an incomplete delta stream
}

// New creates a builder over an empty or live graph.
func New(g *dataflow.Graph, log logr.Logger) *Builder {
	return &Builder{
		g:         g,
		log:       log.WithName("builder"),
		bases:     make(map[string]dataflow.NodeID),
		readers:   make(map[string]dataflow.NodeID),
		outputs:   make(map[string]dataflow.NodeID),
		shared:    make(map[string]dataflow.NodeID),
		plans:     make(map[string]*plan.Plan),
		partialUp: make(map[dataflow.NodeID]bool),
	}
}

// Base returns the base node of a table.
func (b *Builder) Base(table string) (dataflow.NodeID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bases[table]
	return id, ok
}

// Reader returns the reader node of a query.
func (b *Builder) Reader(query string) (dataflow.NodeID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.readers[query]
	return id, ok
}

// Output returns the node feeding a query's reader.
func (b *Builder) Output(query string) (dataflow.NodeID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.outputs[query]
	return id, ok
}

// Build is one staged lowering. New nodes are live in the arena but receive
// no traffic until the boundary edges are spliced.
type Build struct {
	Bases    map[string]dataflow.NodeID
	Readers  map[string]dataflow.NodeID
	NewNodes []dataflow.NodeID
	// Boundary edges go from live nodes into the stage; they carry the
	// stage's input traffic once spliced.
	Boundary []Edge
	// Indexes are lookup indexes needed on live stateful nodes.
	Indexes []IndexReq

	outputs   map[string]dataflow.NodeID
	shared    map[string]dataflow.NodeID
	plans     map[string]*plan.Plan
	partialUp map[dataflow.NodeID]bool
	isNew     map[dataflow.NodeID]bool
	names     map[string]int
}

// Begin opens a new stage.
func (b *Builder) Begin() *Build {
	return &Build{
		Bases:     make(map[string]dataflow.NodeID),
		Readers:   make(map[string]dataflow.NodeID),
		outputs:   make(map[string]dataflow.NodeID),
		shared:    make(map[string]dataflow.NodeID),
		plans:     make(map[string]*plan.Plan),
		partialUp: make(map[dataflow.NodeID]bool),
		isNew:     make(map[dataflow.NodeID]bool),
		names:     make(map[string]int),
	}
}

// Commit folds the stage into the builder's committed maps. The caller has
// already spliced the boundary. Name lookups see either the old or the new
// mapping, never a partially applied one per entry.
func (b *Builder) Commit(bd *Build) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range bd.Bases {
		b.bases[k] = v
	}
	for k, v := range bd.Readers {
		b.readers[k] = v
	}
	for k, v := range bd.outputs {
		b.outputs[k] = v
	}
	for k, v := range bd.shared {
		b.shared[k] = v
	}
	for k, v := range bd.plans {
		b.plans[k] = v
	}
	for k, v := range bd.partialUp {
		b.partialUp[k] = v
	}
}

// Abort discards the stage: every new node is removed from the arena. No
// boundary edge has been spliced, so the live graph is untouched.
func (b *Builder) Abort(bd *Build) {
	for _, id := range bd.NewNodes {
		b.g.Remove(id)
	}
}

// AddTable lowers a table definition to a base node.
func (b *Builder) AddTable(bd *Build, t *recipe.Table) *dataflow.Node {
	sch := make(plan.Schema, len(t.Columns))
	for i, c := range t.Columns {
		sch[i] = plan.Column{Name: c.Name, Source: t.Name, Type: c.Type}
	}
	pk := t.PrimaryKey
	if len(pk) == 0 {
		pk = make([]int, len(t.Columns))
		for i := range pk {
			pk[i] = i
		}
	}

	n := b.g.AddNode(&dataflow.Node{
		Name:    t.Name,
		Kind:    dataflow.Base,
		Schema:  sch,
		State:   dataflow.NewKeyedState(t.Name, pk),
		KeyCols: pk,
		Refs:    1,
	})
	bd.Bases[t.Name] = n.ID
	bd.NewNodes = append(bd.NewNodes, n.ID)
	bd.isNew[n.ID] = true
	return n
}

// AddQuery lowers a query plan to an operator chain plus a reader endpoint.
func (b *Builder) AddQuery(bd *Build, p *plan.Plan) (*dataflow.Node, error) {
	aggTarget := partialAggCandidate(p)
	feasible := p.Params > 0 && b.upFeasible(bd, p.Root, p.KeyCols, aggTarget)
	if !feasible && aggTarget != nil {
		// Not traceable through a lazy aggregate; try with it eager.
		aggTarget = nil
		feasible = p.Params > 0 && b.upFeasible(bd, p.Root, p.KeyCols, nil)
	}
	if !feasible {
		aggTarget = nil
	}

	root, err := b.lower(bd, p.Name, p.Root, aggTarget)
	if err != nil {
		return nil, err
	}

	partial := feasible
	var (
		upRoot dataflow.NodeID
		upCols []int
		upPath []dataflow.NodeID
	)
	if partial {
		upRoot, upCols, upPath, partial = b.upqueryPath(bd, root, p.KeyCols)
	}

	reader := b.g.AddNode(&dataflow.Node{
		Name:    p.Name,
		Kind:    dataflow.Reader,
		Schema:  root.Schema,
		Parents: []dataflow.NodeID{root.ID},
		Backlog: backlog.New(p.KeyCols, partial),
		KeyCols: p.KeyCols,
		Params:  p.Params,
		Partial: partial,
		Refs:    1,
	})
	bd.NewNodes = append(bd.NewNodes, reader.ID)
	bd.isNew[reader.ID] = true
	b.edge(bd, root.ID, reader.ID)

	if partial {
		reader.UpRoot = upRoot
		reader.UpCols = upCols
		reader.UpPath = append(upPath, reader.ID)
	}

	bd.Readers[p.Name] = reader.ID
	bd.outputs[p.Name] = root.ID
	bd.plans[p.Name] = p
	if bd.partialUp[root.ID] || b.partialUp[root.ID] {
		bd.partialUp[reader.ID] = true
	}
	return reader, nil
}

// lower recursively lowers a plan tree, reusing live or staged nodes with the
// same structural signature where their output stream is complete.
func (b *Builder) lower(bd *Build, query string, t plan.Tree, aggTarget *plan.Aggregate) (*dataflow.Node, error) {
	sig := t.Signature()
	if id, ok := bd.shared[sig]; ok {
		n, _ := b.g.Node(id)
		return n, nil
	}
	if id, ok := b.shared[sig]; ok {
		if n, live := b.g.Node(id); live && !n.Partial && !b.partialUp[id] {
			return n, nil
		}
	}

	var n *dataflow.Node
	switch tn := t.(type) {
	case *plan.Scan:
		return b.lowerScan(bd, query, tn)

	case *plan.Filter:
		in, err := b.lower(bd, query, tn.Input, aggTarget)
		if err != nil {
			return nil, err
		}
		n = b.g.AddNode(&dataflow.Node{
			Name:    b.name(bd, query, "filter"),
			Kind:    dataflow.Filter,
			Schema:  tn.Schema(),
			Parents: []dataflow.NodeID{in.ID},
			Op: dataflow.NewFilterOp([]dataflow.FilterPred{
				{Col: tn.Col, Op: tn.Op, Value: tn.Value},
			}),
		})
		b.stage(bd, n, sig, in)
		b.edge(bd, in.ID, n.ID)

	case *plan.Project:
		in, err := b.lower(bd, query, tn.Input, aggTarget)
		if err != nil {
			return nil, err
		}
		n = b.g.AddNode(&dataflow.Node{
			Name:    b.name(bd, query, "project"),
			Kind:    dataflow.Project,
			Schema:  tn.Out,
			Parents: []dataflow.NodeID{in.ID},
			Op:      dataflow.NewProjectOp(tn.Cols),
		})
		b.stage(bd, n, sig, in)
		b.edge(bd, in.ID, n.ID)

	case *plan.Join:
		left, err := b.lower(bd, query, tn.Left, aggTarget)
		if err != nil {
			return nil, err
		}
		right, err := b.lower(bd, query, tn.Right, aggTarget)
		if err != nil {
			return nil, err
		}
		name := b.name(bd, query, "join")
		n = b.g.AddNode(&dataflow.Node{
			Name:    name,
			Kind:    dataflow.Join,
			Schema:  tn.Out,
			Parents: []dataflow.NodeID{left.ID, right.ID},
			Op:      dataflow.NewJoinOp(name, left.ID, right.ID, tn.LeftCols, tn.RightCols, len(left.Schema)),
		})
		b.stage(bd, n, sig, left, right)
		b.edge(bd, left.ID, n.ID)
		b.edge(bd, right.ID, n.ID)

	case *plan.Aggregate:
		in, err := b.lower(bd, query, tn.Input, aggTarget)
		if err != nil {
			return nil, err
		}
		partial := tn == aggTarget
		name := b.name(bd, query, "agg")
		n = b.g.AddNode(&dataflow.Node{
			Name:    name,
			Kind:    dataflow.Aggregate,
			Schema:  tn.Out,
			Parents: []dataflow.NodeID{in.ID},
			Op:      dataflow.NewAggregateOp(name, tn.GroupBy, tn.Aggs, partial),
			Partial: partial,
		})
		b.stage(bd, n, sig, in)
		b.edge(bd, in.ID, n.ID)
		if partial {
			bd.partialUp[n.ID] = true
			delete(bd.shared, sig)
		}

	default:
		return nil, fmt.Errorf("unexpected plan node %T", t)
	}

	return n, nil
}

// lowerScan resolves a leaf: a base table or the output of an earlier query.
// A query output with a partial aggregate upstream emits an incomplete delta
// stream, so consumers get a fresh, fully materialized lowering of that
// query's tree instead of sharing its nodes.
func (b *Builder) lowerScan(bd *Build, query string, s *plan.Scan) (*dataflow.Node, error) {
	if !s.IsQuery {
		id, ok := bd.Bases[s.Source]
		if !ok {
			id, ok = b.bases[s.Source]
		}
		if !ok {
			return nil, fmt.Errorf("no base node for table %q", s.Source)
		}
		n, _ := b.g.Node(id)
		return n, nil
	}

	id, staged := bd.outputs[s.Source]
	if !staged {
		id, staged = b.outputs[s.Source]
	}
	if staged && !bd.partialUp[id] && !b.partialUp[id] {
		n, _ := b.g.Node(id)
		return n, nil
	}

	p := bd.plans[s.Source]
	if p == nil {
		p = b.plans[s.Source]
	}
	if p == nil {
		return nil, fmt.Errorf("no plan for query %q", s.Source)
	}
	return b.lower(bd, query, p.Root, nil)
}

// stage records a freshly added node in the build, inheriting the
// incomplete-stream mark from its parents.
func (b *Builder) stage(bd *Build, n *dataflow.Node, sig string, parents ...*dataflow.Node) {
	bd.NewNodes = append(bd.NewNodes, n.ID)
	bd.isNew[n.ID] = true
	up := false
	for _, p := range parents {
		if bd.partialUp[p.ID] || b.partialUp[p.ID] {
			up = true
		}
	}
	if up {
		bd.partialUp[n.ID] = true
	} else {
		bd.shared[sig] = n.ID
	}
}

// edge wires parent to child: immediately when the parent is part of the
// stage, deferred to the splice when the parent is live.
func (b *Builder) edge(bd *Build, parent, child dataflow.NodeID) {
	if bd.isNew[parent] {
		if err := b.g.Connect(parent, child); err != nil {
			b.log.Error(err, "staged edge rejected", "parent", parent, "child", child)
		}
		return
	}
	bd.Boundary = append(bd.Boundary, Edge{Parent: parent, Child: child})
}

func (b *Builder) name(bd *Build, query, kind string) string {
	key := query + "/" + kind
	bd.names[key]++
	if bd.names[key] == 1 {
		return key
	}
	return fmt.Sprintf("%s%d", key, bd.names[key])
}
