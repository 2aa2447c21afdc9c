// Package engine is the public face of the view engine: recipes go in,
// writes stream into base tables and parameterized lookups read materialized
// query results out. The engine wires the recipe compiler, the dataflow
// graph, the partial-state manager and the migration coordinator together
// behind one handle.
package engine

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/deltaview/pkg/dataflow"
	"github.com/l7mp/deltaview/pkg/graph"
	"github.com/l7mp/deltaview/pkg/migrate"
	"github.com/l7mp/deltaview/pkg/partial"
	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// lookupRetries bounds the resident-check loop of a partial lookup against a
// racing eviction.
const lookupRetries = 5

// Options configure an engine.
type Options struct {
	// Domains is the number of dataflow execution domains.
	Domains int
	// ChannelDepth bounds domain inboxes.
	ChannelDepth int
	// ResidencyBudget caps the resident keys held across all partial
	// readers; the coldest key is evicted when the budget is exceeded.
	// Non-positive disables eviction.
	ResidencyBudget int
	// Logger receives structured engine logs.
	Logger logr.Logger
}

// Engine is a live view engine. All methods are safe for concurrent use;
// recipe changes serialize against reads and writes at the name-resolution
// boundary, never against in-flight dataflow.
type Engine struct {
	log   logr.Logger
	g     *dataflow.Graph
	b     *graph.Builder
	parts *partial.Manager
	coord *migrate.Coordinator

	// applyMu serializes migrations; mu guards only the active-recipe
	// pointer, so reads and writes never wait out a whole migration.
	applyMu sync.Mutex
	mu      sync.RWMutex
	rec     *recipe.Recipe
}

// New creates an engine with an empty recipe.
func New(opts Options) (*Engine, error) {
	log := opts.Logger.WithName("engine")
	g := dataflow.NewGraph(dataflow.Options{
		Domains:      opts.Domains,
		ChannelDepth: opts.ChannelDepth,
		Logger:       opts.Logger,
	})
	b := graph.New(g, opts.Logger)
	parts, err := partial.New(g, opts.ResidencyBudget, opts.Logger)
	if err != nil {
		g.Stop()
		return nil, err
	}
	e := &Engine{
		log:   log,
		g:     g,
		b:     b,
		parts: parts,
		coord: migrate.New(g, b, opts.Logger),
	}
	g.OnFailure(func(domain int, err error) {
		log.Error(err, "domain failed", "domain", domain)
	})
	return e, nil
}

// Close stops the dataflow domains.
func (e *Engine) Close() { e.g.Stop() }

// Apply parses a recipe and migrates the live graph to it. Existing tables
// and unchanged queries keep their state; on error the previous recipe stays
// active in full. Reads and writes continue throughout: only lookups and
// upqueries hitting a paused domain wait, everything else proceeds.
func (e *Engine) Apply(text string) error {
	next, err := recipe.Parse(text)
	if err != nil {
		return err
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.RLock()
	old := e.rec
	e.mu.RUnlock()

	if err := e.coord.Apply(old, next); err != nil {
		return err
	}

	e.mu.Lock()
	e.rec = next
	e.mu.Unlock()
	return nil
}

// Submit applies signed deltas to a base table. The call returns once the
// batch is queued in order; propagation is asynchronous.
func (e *Engine) Submit(table string, deltas ...row.Delta) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.rec == nil {
		return &UnknownTableError{Table: table}
	}
	t, ok := e.rec.Table(table)
	if !ok {
		return &UnknownTableError{Table: table}
	}

	norm := make([]row.Delta, len(deltas))
	for i, d := range deltas {
		if len(d.Row) != len(t.Columns) {
			return &MalformedRowError{
				Table:  table,
				Reason: "row arity does not match the table",
			}
		}
		r, err := row.NormalizeRow(d.Row)
		if err != nil {
			return &MalformedRowError{Table: table, Reason: err.Error()}
		}
		norm[i] = row.Delta{Row: r, Sign: d.Sign}
	}

	id, ok := e.b.Base(table)
	if !ok {
		return &UnknownTableError{Table: table}
	}
	base, ok := e.g.Node(id)
	if !ok {
		return &UnknownTableError{Table: table}
	}
	e.g.Inject(base, norm)
	return nil
}

// Insert submits one insertion built from the given column values.
func (e *Engine) Insert(table string, vals ...any) error {
	return e.Submit(table, row.Insert(toRow(vals)))
}

// Delete submits one retraction of the given row.
func (e *Engine) Delete(table string, vals ...any) error {
	return e.Submit(table, row.Retract(toRow(vals)))
}

func toRow(vals []any) row.Row {
	r := make(row.Row, len(vals))
	for i, v := range vals {
		r[i] = v
	}
	return r
}

// Lookup reads the rows of a query under the given parameter values. On a
// partial reader a miss triggers an upquery and blocks until the key is
// materialized; concurrent misses on one key share a single upquery.
func (e *Engine) Lookup(query string, params ...any) ([]row.Row, error) {
	rows, _, err := e.LookupWithWatermark(query, params...)
	return rows, err
}

// LookupWithWatermark is Lookup with the reader's watermark attached: the
// sequence number of the last base write the reader has applied.
func (e *Engine) LookupWithWatermark(query string, params ...any) ([]row.Row, uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.b.Reader(query)
	if !ok {
		return nil, 0, &UnknownQueryError{Query: query}
	}
	reader, ok := e.g.Node(id)
	if !ok {
		return nil, 0, &UnknownQueryError{Query: query}
	}
	if len(params) != reader.Params {
		return nil, 0, &recipe.ParameterArityMismatchError{
			Query: query,
			Want:  reader.Params,
			Got:   len(params),
		}
	}

	// Parameterless queries read the whole result set.
	if reader.Params == 0 {
		return reader.Backlog.Snapshot(), reader.Backlog.Watermark(), nil
	}

	vals := make([]row.Value, len(params))
	for i, p := range params {
		v, err := row.Normalize(p)
		if err != nil {
			return nil, 0, err
		}
		vals[i] = v
	}
	key := row.EncodeValues(vals)

	if !reader.Partial {
		rows, _ := reader.Backlog.Lookup(key)
		return rows, reader.Backlog.Watermark(), nil
	}

	for i := 0; i < lookupRetries; i++ {
		rows, resident := reader.Backlog.Lookup(key)
		if resident {
			e.parts.Touch(reader, key)
			return rows, reader.Backlog.Watermark(), nil
		}
		if err := e.parts.Ensure(reader, key); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, &LookupThrashError{Query: query}
}

// Sync blocks until every delta submitted before the call has been applied
// at all readers, by running a barrier through each domain in ascending
// order. Cross-domain edges always point from lower to higher domains, so
// by the time the last barrier returns every in-flight batch has landed.
func (e *Engine) Sync() {
	for dom := 0; dom < e.g.Domains(); dom++ {
		e.g.Barrier(dom)
	}
}

// Stats describes the live engine.
type Stats struct {
	Tables  int
	Queries int
	Graph   dataflow.Stats
}

// Stats reports table, query and dataflow counts.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{Graph: e.g.Stats()}
	if e.rec != nil {
		st.Tables = len(e.rec.Tables)
		st.Queries = len(e.rec.Queries)
	}
	return st
}
