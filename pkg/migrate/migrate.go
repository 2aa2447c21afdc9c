// Package migrate transitions a live dataflow graph from one recipe to the
// next without stopping reads or dropping writes. A migration stages the new
// operator chains detached from the live graph, pauses the affected domains
// at a well-defined cut in their delta streams, backfills the new state from
// snapshots taken at that cut, splices the stage in and resumes. Writes
// queued during the pause flow through the spliced graph afterwards, so every
// delta reaches the new nodes exactly once. A failed migration discards the
// stage and leaves the live graph untouched.
package migrate

import (
	"reflect"
	"sort"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/graph"
	"github.com/l7mp/deltaview/pkg/plan"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// Coordinator runs migrations against one graph.
type Coordinator struct {
	g   *dataflow.Graph
	b   *graph.Builder
	log logr.Logger
}

// New creates a migration coordinator.
func New(g *dataflow.Graph, b *graph.Builder, log logr.Logger) *Coordinator {
	return &Coordinator{g: g, b: b, log: log.WithName("migrate")}
}

// diff is the change set between two recipes. rebuild holds every query that
// is new, changed, or downstream of a changed query.
type diff struct {
	addTables  []*recipe.Table
	dropTables []string
	rebuild    map[string]bool
	replace    []string
	dropQuery  []string
}

func diffRecipes(old, next *recipe.Recipe) (*diff, error) {
	d := &diff{rebuild: make(map[string]bool)}

	oldTables := make(map[string]*recipe.Table)
	if old != nil {
		for _, t := range old.Tables {
			oldTables[t.Name] = t
		}
	}
	nextTables := make(map[string]bool)
	for _, t := range next.Tables {
		nextTables[t.Name] = true
		prev, ok := oldTables[t.Name]
		if !ok {
			d.addTables = append(d.addTables, t)
			continue
		}
		if !reflect.DeepEqual(prev, t) {
			return nil, &TableChangedError{Table: t.Name}
		}
	}
	for name := range oldTables {
		if !nextTables[name] {
			d.dropTables = append(d.dropTables, name)
		}
	}

	oldQueries := make(map[string]*recipe.Query)
	if old != nil {
		for _, q := range old.Queries {
			oldQueries[q.Name] = q
		}
	}
	nextQueries := make(map[string]bool)
	for _, q := range next.Queries {
		nextQueries[q.Name] = true
		prev, ok := oldQueries[q.Name]
		changed := !ok || !reflect.DeepEqual(prev, q)
		for _, src := range q.From {
			if d.rebuild[src] {
				changed = true
			}
		}
		if !changed {
			continue
		}
		d.rebuild[q.Name] = true
		if ok {
			d.replace = append(d.replace, q.Name)
		}
	}
	for name := range oldQueries {
		if !nextQueries[name] {
			d.dropQuery = append(d.dropQuery, name)
		}
	}
	sort.Strings(d.dropTables)
	sort.Strings(d.dropQuery)
	sort.Strings(d.replace)
	return d, nil
}

// Apply migrates the graph from the old recipe to the next one. An identical
// recipe is a no-op. On error the live graph is unchanged.
func (c *Coordinator) Apply(old, next *recipe.Recipe) error {
	id := uuid.NewString()
	log := c.log.WithValues("migration", id)

	d, err := diffRecipes(old, next)
	if err != nil {
		return err
	}
	if len(d.addTables) == 0 && len(d.rebuild) == 0 &&
		len(d.dropTables) == 0 && len(d.dropQuery) == 0 {
		log.V(1).Info("no-op migration")
		return nil
	}
	log.Info("migration started",
		"tables", len(d.addTables), "queries", len(d.rebuild),
		"dropped_tables", len(d.dropTables), "dropped_queries", len(d.dropQuery))

	plans, err := plan.NewPlanner(next).PlanAll()
	if err != nil {
		return err
	}
	planByName := make(map[string]*plan.Plan, len(plans))
	for _, p := range plans {
		planByName[p.Name] = p
	}

	// Stage: new nodes live detached, receiving no traffic.
	bd := c.b.Begin()
	for _, t := range d.addTables {
		c.b.AddTable(bd, t)
	}
	for _, q := range next.Queries {
		if !d.rebuild[q.Name] {
			continue
		}
		if _, err := c.b.AddQuery(bd, planByName[q.Name]); err != nil {
			c.b.Abort(bd)
			log.Error(err, "migration aborted during build")
			return err
		}
	}

	resume := c.pause(bd, d)
	defer resume()

	for _, req := range bd.Indexes {
		c.addIndex(req)
	}

	// Backfill at the cut: every queued-but-unapplied batch flows through
	// the spliced edges after resume, so snapshot plus stream covers each
	// delta exactly once.
	log.V(1).Info("backfilling", "edges", len(bd.Boundary))
	for _, e := range bd.Boundary {
		deltas, err := c.snapshotOf(e.Parent)
		if err != nil {
			c.b.Abort(bd)
			log.Error(err, "migration aborted during backfill")
			return err
		}
		if err := c.pour(e.Parent, e.Child, deltas); err != nil {
			c.b.Abort(bd)
			log.Error(err, "migration aborted during backfill")
			return err
		}
	}

	for _, e := range bd.Boundary {
		if err := c.g.Connect(e.Parent, e.Child); err != nil {
			c.b.Abort(bd)
			log.Error(err, "migration aborted during splice")
			return err
		}
	}

	// Commit before removing: a replaced query's name must switch straight
	// from the old reader to the new one, with no window where a lookup
	// misses. The displaced readers are released by ID afterwards.
	replaced := make([]dataflow.NodeID, 0, len(d.replace))
	for _, name := range d.replace {
		if id, ok := c.b.Reader(name); ok {
			replaced = append(replaced, id)
		}
	}
	c.b.Commit(bd)

	for _, name := range d.dropQuery {
		c.b.RemoveQuery(name)
	}
	for _, id := range replaced {
		c.b.Release(id)
	}
	for _, name := range d.dropTables {
		c.b.RemoveTable(name)
	}

	log.Info("migration complete")
	return nil
}

// pause stops every domain the migration touches: the domains of the
// boundary parents and their ancestors (so the snapshots see a drained
// stream), of nodes gaining indexes, and of the removal sets. Domains pause
// in ascending order; by the time domain d acknowledges, every lower domain
// is quiet and d has drained what they sent, which makes the cut consistent.
func (c *Coordinator) pause(bd *graph.Build, d *diff) func() {
	domains := make(map[int]bool)
	mark := func(id dataflow.NodeID) {
		if n, ok := c.g.Node(id); ok {
			domains[n.Domain] = true
		}
	}
	var markAncestors func(id dataflow.NodeID, seen map[dataflow.NodeID]bool)
	markAncestors = func(id dataflow.NodeID, seen map[dataflow.NodeID]bool) {
		if seen[id] {
			return
		}
		seen[id] = true
		mark(id)
		if n, ok := c.g.Node(id); ok {
			for _, p := range n.Parents {
				markAncestors(p, seen)
			}
		}
	}

	seen := make(map[dataflow.NodeID]bool)
	for _, e := range bd.Boundary {
		markAncestors(e.Parent, seen)
	}
	for _, req := range bd.Indexes {
		mark(req.Node)
	}
	for _, name := range append(append([]string(nil), d.dropQuery...), d.replace...) {
		for _, id := range c.b.QueryAncestors(name) {
			mark(id)
		}
	}

	order := make([]int, 0, len(domains))
	for dom := range domains {
		order = append(order, dom)
	}
	sort.Ints(order)

	resumes := make([]func(), 0, len(order))
	for _, dom := range order {
		resumes = append(resumes, c.g.Pause(dom))
	}
	return func() {
		for i := len(resumes) - 1; i >= 0; i-- {
			resumes[i]()
		}
	}
}

func (c *Coordinator) addIndex(req graph.IndexReq) {
	n, ok := c.g.Node(req.Node)
	if !ok {
		return
	}
	switch {
	case n.State != nil:
		n.State.AddIndex(req.Cols)
	default:
		if ix, ok := n.Op.(dataflow.Indexer); ok {
			ix.AddIndex(req.Cols)
		}
	}
}

// snapshotOf reads the full output of a live node at the cut. Stateless
// nodes transform their parent's snapshot; stateful ones read their own.
func (c *Coordinator) snapshotOf(id dataflow.NodeID) ([]row.Delta, error) {
	n, ok := c.g.Node(id)
	if !ok {
		return nil, nil
	}

	var rows []row.Row
	switch {
	case n.State != nil:
		rows = n.State.Snapshot()
	case n.Backlog != nil:
		rows = n.Backlog.Snapshot()
	default:
		if s, ok := n.Op.(dataflow.Snapshotter); ok {
			rows = s.Snapshot()
		} else {
			parent, err := c.snapshotOf(n.Parents[0])
			if err != nil {
				return nil, err
			}
			return n.Op.Replay(parent)
		}
	}

	deltas := make([]row.Delta, len(rows))
	for i, r := range rows {
		deltas[i] = row.Insert(r)
	}
	return deltas, nil
}

// pour pushes backfill deltas through the detached stage, mirroring what the
// domains will do once the edge is live. For a join this runs left side
// first, so the right side's pour emits the full join output downstream.
func (c *Coordinator) pour(from, to dataflow.NodeID, deltas []row.Delta) error {
	n, ok := c.g.Node(to)
	if !ok {
		return nil
	}

	var (
		out []row.Delta
		err error
	)
	switch n.Kind {
	case dataflow.Reader:
		return n.Backlog.Apply(deltas)
	case dataflow.Base:
		if err := n.State.Apply(deltas); err != nil {
			return err
		}
		out = deltas
	default:
		if out, err = n.Op.Apply(from, deltas); err != nil {
			return err
		}
	}

	if len(out) == 0 {
		return nil
	}
	for _, child := range n.Children {
		if err := c.pour(n.ID, child, out); err != nil {
			return err
		}
	}
	return nil
}
