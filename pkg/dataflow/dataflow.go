// Package dataflow implements the incremental dataflow engine: an arena of
// graph nodes (base, filter, join, aggregate, project, reader) partitioned
// into execution domains that propagate signed row deltas from base tables to
// reader endpoints.
//
// Writes enter at base nodes, get stamped with a per-source sequence number
// and travel the graph as batches of signed rows; every stateful operator
// folds the deltas into its own state and emits derived deltas downstream.
// Domains process their inbox single-threaded and in strict arrival order, so
// no locks are needed around operator state on the hot path; cross-domain
// edges are ordered bounded channels and the only concurrency boundary.
// Upqueries (lazy population of partial state) travel the same edges as
// deltas, which is what makes replayed and live data impossible to
// interleave incorrectly.
package dataflow

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/deltaview/pkg/backlog"
	"github.com/l7mp/deltaview/pkg/plan"
	"github.com/l7mp/deltaview/pkg/row"
)

// NodeID is a stable identifier into the node arena. IDs are never reused
// within a process.
type NodeID int64

// Kind enumerates the executable node kinds.
type Kind int

const (
	Base Kind = iota
	Filter
	Join
	Aggregate
	Project
	Reader
)

func (k Kind) String() string {
	switch k {
	case Base:
		return "base"
	case Filter:
		return "filter"
	case Join:
		return "join"
	case Aggregate:
		return "aggregate"
	case Project:
		return "project"
	case Reader:
		return "reader"
	default:
		return "unknown"
	}
}

// Node is one executable graph node. Nodes live in the graph arena and are
// shared by reference: multiple children may point at one parent. A node is
// destroyed only when its reference count drops to zero during a migration.
type Node struct {
	ID       NodeID
	Name     string
	Kind     Kind
	Schema   plan.Schema
	Parents  []NodeID
	Children []NodeID
	Domain   int

	// Op computes output deltas from input deltas; nil for Base and Reader.
	Op Operator
	// State is the base table state (Base nodes only).
	State *KeyedState
	// Backlog is the reader-side store (Reader nodes only).
	Backlog *backlog.Store

	// KeyCols: for a Base node the primary key, for a Reader the lookup key
	// positions in its schema.
	KeyCols []int
	// Params is the declared parameter count of a Reader.
	Params int
	// Partial marks lazily materialized nodes (Reader or Aggregate).
	Partial bool

	// Upquery path of a partial reader: UpRoot is the nearest fully
	// materialized ancestor that can answer a key lookup, UpCols the key
	// columns in UpRoot's terms, UpPath the nodes between UpRoot
	// (exclusive) and the reader (inclusive).
	UpRoot NodeID
	UpCols []int
	UpPath []NodeID

	// Refs counts dependents: children plus one for the recipe entry the
	// node terminates (its table or query).
	Refs int

	// seq is the last sequence number stamped at this Base node; injectMu
	// serializes stamping with the inbox send so channel order matches
	// sequence order.
	seq      uint64
	injectMu sync.Mutex
}

// Options configure a dataflow graph.
type Options struct {
	// Domains is the number of execution domains. Defaults to 2.
	Domains int
	// ChannelDepth bounds domain inboxes; a full inbox blocks the producer
	// (backpressure), it never drops. Defaults to 128.
	ChannelDepth int
	// Logger receives structured engine logs.
	Logger logr.Logger
}

func (o *Options) setDefaults() {
	if o.Domains <= 0 {
		o.Domains = 2
	}
	if o.ChannelDepth <= 0 {
		o.ChannelDepth = 128
	}
}

// Graph is the arena of dataflow nodes plus the domains executing them.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[NodeID]*Node
	nextID  NodeID
	domains []*Domain
	nextDom int
	log     logr.Logger

	// onFailure, if set, receives fatal domain errors (state corruption).
	onFailure func(domain int, err error)
}

// NewGraph creates an empty graph with the given options. Domains start
// running immediately.
func NewGraph(opts Options) *Graph {
	opts.setDefaults()
	g := &Graph{
		nodes: make(map[NodeID]*Node),
		log:   opts.Logger.WithName("dataflow"),
	}
	for i := 0; i < opts.Domains; i++ {
		d := newDomain(i, g, opts.ChannelDepth, g.log)
		g.domains = append(g.domains, d)
		go d.run()
	}
	return g
}

// OnFailure installs a hook for fatal domain errors.
func (g *Graph) OnFailure(fn func(domain int, err error)) { g.onFailure = fn }

// Stop terminates all domain workers.
func (g *Graph) Stop() {
	for _, d := range g.domains {
		d.stop()
	}
}

// AddNode allocates a node in the arena. Base nodes are spread round-robin
// across domains; every other node runs in the highest domain among its
// parents, so cross-domain delta edges always point from a lower-numbered
// domain to a higher-numbered one and upquery requests travel strictly the
// other way.
func (g *Graph) AddNode(n *Node) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	n.ID = g.nextID
	if n.Kind == Base {
		n.Domain = g.nextDom % len(g.domains)
		g.nextDom++
	} else {
		dom := 0
		for _, pid := range n.Parents {
			if p := g.nodes[pid]; p != nil && p.Domain > dom {
				dom = p.Domain
			}
		}
		n.Domain = dom
	}
	g.nodes[n.ID] = n
	g.log.V(1).Info("node added", "id", n.ID, "kind", n.Kind.String(), "name", n.Name, "domain", n.Domain)
	return n
}

// Connect splices a parent-child edge. The child must already list the
// parent in Parents (builder wiring); Connect makes the edge live on the
// delta path.
func (g *Graph) Connect(parent, child NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("parent node %d not found", parent)
	}
	c, ok := g.nodes[child]
	if !ok {
		return fmt.Errorf("child node %d not found", child)
	}
	if c.Domain < p.Domain {
		return fmt.Errorf("edge %d->%d would point from domain %d to lower domain %d",
			parent, child, p.Domain, c.Domain)
	}
	p.Children = append(p.Children, child)
	p.Refs++
	return nil
}

// Node returns a node by ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns a snapshot of all node IDs.
func (g *Graph) Nodes() []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// Remove deletes a node from the arena. Callers must have unlinked it first.
func (g *Graph) Remove(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Unlink removes the parent->child edge and drops the parent's reference
// count. It returns the parent's remaining reference count.
func (g *Graph) Unlink(parent, child NodeID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.nodes[parent]
	if !ok {
		return 0
	}
	for i, c := range p.Children {
		if c == child {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	p.Refs--
	return p.Refs
}

// Inject submits a delta batch at a base node. Deltas are stamped with the
// base's next sequence number and delivered to the base's domain in order;
// the send blocks when the domain is backlogged (backpressure).
func (g *Graph) Inject(base *Node, deltas []row.Delta) uint64 {
	base.injectMu.Lock()
	defer base.injectMu.Unlock()

	base.seq++
	seq := base.seq
	g.domains[base.Domain].enqueue(message{batch: &Batch{
		Source: base.ID,
		Seq:    seq,
		From:   base.ID,
		To:     base.ID,
		Deltas: deltas,
	}})
	return seq
}

// Upquery asks the domain owning a partial reader's upquery root to read the
// rows under key and replay them down the reader's upquery path. The result
// lands on the returned channel once the replay has been folded into the
// reader's backlog.
func (g *Graph) Upquery(reader *Node, key string) chan ReplayResult {
	done := make(chan ReplayResult, 1)
	root, ok := g.Node(reader.UpRoot)
	if !ok {
		done <- ReplayResult{Err: fmt.Errorf("upquery root %d not found", reader.UpRoot)}
		return done
	}
	g.domains[root.Domain].enqueue(message{ctrl: &control{
		kind: ctrlUpquery,
		node: root.ID,
		cols: reader.UpCols,
		key:  key,
		path: reader.UpPath,
		done: done,
	}})
	return done
}

// Evict asks the domain owning a partial node to drop the state under key.
// The eviction serializes with the node's delta stream, so an evicted key is
// observably identical to one that was never requested.
func (g *Graph) Evict(node *Node, key string) {
	g.domains[node.Domain].enqueue(message{ctrl: &control{
		kind: ctrlEvict,
		node: node.ID,
		key:  key,
	}})
}

// Pause stops a domain at a well-defined point in its input stream: the call
// returns once the domain has acknowledged the pause, and the domain stays
// blocked until the returned function is called.
func (g *Graph) Pause(domain int) func() {
	resume := make(chan struct{})
	ack := make(chan struct{})
	g.domains[domain].enqueue(message{ctrl: &control{
		kind:   ctrlPause,
		resume: resume,
		ack:    ack,
	}})
	<-ack
	return func() { close(resume) }
}

// Barrier blocks until every batch enqueued before it on the domain has been
// fully processed.
func (g *Graph) Barrier(domain int) {
	ack := make(chan struct{})
	g.domains[domain].enqueue(message{ctrl: &control{kind: ctrlBarrier, ack: ack}})
	<-ack
}

// Domains returns the number of execution domains.
func (g *Graph) Domains() int { return len(g.domains) }

// Stats summarizes the live graph for observability.
type Stats struct {
	Nodes     int
	Domains   int
	Batches   uint64
	Resident  int // resident keys across partial nodes
	NodeKinds map[string]int
}

// Stats reports node, domain and residency counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Stats{
		Nodes:     len(g.nodes),
		Domains:   len(g.domains),
		NodeKinds: map[string]int{},
	}
	for _, n := range g.nodes {
		st.NodeKinds[n.Kind.String()]++
		if n.Kind == Reader && n.Backlog != nil && n.Partial {
			st.Resident += n.Backlog.Len()
		}
	}
	for _, d := range g.domains {
		st.Batches += d.processed.Load()
	}
	return st
}
