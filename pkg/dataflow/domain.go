package dataflow

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/l7mp/deltaview/pkg/row"
)

// Domain is one execution unit: it owns a disjoint subset of graph nodes and
// processes its inbox single-threaded in strict arrival order. All state
// mutation of the owned nodes happens on this goroutine, which is what makes
// operator state lock-free. Upqueries, evictions and migration pauses arrive
// as control messages on the same inbox, so they serialize with the delta
// stream at a well-defined point.
type Domain struct {
	idx       int
	graph     *Graph
	inbox     chan message
	log       logr.Logger
	processed atomic.Uint64
	err       error
}

func newDomain(idx int, g *Graph, depth int, log logr.Logger) *Domain {
	return &Domain{
		idx:   idx,
		graph: g,
		inbox: make(chan message, depth),
		log:   log.WithName("domain").WithValues("domain", idx),
	}
}

// enqueue delivers a message to the domain. The send blocks when the inbox
// is full: producers feel backpressure, deltas are never dropped.
func (d *Domain) enqueue(msg message) { d.inbox <- msg }

func (d *Domain) stop() {
	d.enqueue(message{ctrl: &control{kind: ctrlStop}})
}

func (d *Domain) run() {
	for msg := range d.inbox {
		switch {
		case msg.ctrl != nil:
			if msg.ctrl.kind == ctrlStop {
				return
			}
			d.handleControl(msg.ctrl)
		case msg.batch != nil:
			d.handleBatch(msg.batch)
		}
	}
}

func (d *Domain) handleControl(c *control) {
	switch c.kind {
	case ctrlPause:
		close(c.ack)
		<-c.resume

	case ctrlBarrier:
		close(c.ack)

	case ctrlEvict:
		if n, ok := d.graph.Node(c.node); ok {
			d.evict(n, c.key)
		}

	case ctrlUpquery:
		d.startReplay(c)
	}
}

func (d *Domain) evict(n *Node, key string) {
	switch n.Kind {
	case Reader:
		n.Backlog.Evict(key)
	case Aggregate:
		if ev, ok := n.Op.(Evictor); ok {
			ev.EvictKey(key)
		}
	}
}

func (d *Domain) handleBatch(b *Batch) {
	if d.err != nil {
		// Domain is dead: drain, never apply. Replays still answer so
		// waiting readers unblock with the error.
		if b.Replay && b.Done != nil {
			b.Done <- ReplayResult{Err: d.err}
		}
		return
	}

	if b.Replay {
		d.replayStep(b)
		return
	}
	d.processed.Add(1)
	d.processBatch(b)
}

func (d *Domain) processBatch(b *Batch) {
	n, ok := d.graph.Node(b.To)
	if !ok {
		// Node was removed by a migration after the batch was en route.
		return
	}

	var (
		out []row.Delta
		err error
	)
	switch n.Kind {
	case Base:
		if err = n.State.Apply(b.Deltas); err == nil {
			out = b.Deltas
		}
	case Reader:
		if aerr := n.Backlog.Apply(b.Deltas); aerr != nil {
			err = corrupt(n.Name, "%v", aerr)
		}
	default:
		out, err = n.Op.Apply(b.From, b.Deltas)
	}
	if err != nil {
		d.fail(err)
		return
	}
	if len(out) == 0 {
		return
	}

	for _, child := range n.Children {
		c, ok := d.graph.Node(child)
		if !ok {
			continue
		}
		next := &Batch{Source: b.Source, Seq: b.Seq, From: n.ID, To: c.ID, Deltas: out}
		if c.Domain == d.idx {
			d.processBatch(next)
		} else {
			d.graph.domains[c.Domain].enqueue(message{batch: next})
		}
	}
}

// startReplay answers an upquery at its root: read the rows under the key
// from this domain's fully materialized node, then push them down the
// recorded path as a replay batch traveling the same ordered edges live
// deltas do.
func (d *Domain) startReplay(c *control) {
	n, ok := d.graph.Node(c.node)
	if !ok {
		c.done <- ReplayResult{Err: corrupt("upquery", "root node %d gone", c.node)}
		return
	}

	var (
		rows []row.Row
		err  error
	)
	switch n.Kind {
	case Base:
		rows, err = n.State.Lookup(c.cols, c.key)
	default:
		kl, ok := n.Op.(KeyLookup)
		if !ok {
			err = corrupt(n.Name, "upquery root cannot answer key lookups")
		} else {
			rows, err = kl.LookupKey(c.cols, c.key)
		}
	}
	if err != nil {
		d.fail(err)
		c.done <- ReplayResult{Err: err}
		return
	}

	deltas := make([]row.Delta, len(rows))
	for i, r := range rows {
		deltas[i] = row.Insert(r)
	}
	d.forwardReplay(n.ID, c.path, deltas, c.key, c.done)
}

func (d *Domain) replayStep(b *Batch) {
	n, ok := d.graph.Node(b.To)
	if !ok {
		b.Done <- ReplayResult{Err: corrupt("upquery", "path node %d gone", b.To)}
		return
	}

	if n.Kind == Reader {
		rows := make([]row.Row, 0, len(b.Deltas))
		for _, dl := range b.Deltas {
			if dl.Sign > 0 {
				rows = append(rows, dl.Row)
			}
		}
		n.Backlog.Materialize(b.Key, rows)
		b.Done <- ReplayResult{Rows: rows}
		return
	}

	out, err := n.Op.Replay(b.Deltas)
	if err != nil {
		d.fail(err)
		b.Done <- ReplayResult{Err: err}
		return
	}
	d.forwardReplay(n.ID, b.Path, out, b.Key, b.Done)
}

func (d *Domain) forwardReplay(from NodeID, path []NodeID, deltas []row.Delta, key string, done chan ReplayResult) {
	if len(path) == 0 {
		done <- ReplayResult{Err: corrupt("upquery", "replay path ended before a reader")}
		return
	}
	next, ok := d.graph.Node(path[0])
	if !ok {
		done <- ReplayResult{Err: corrupt("upquery", "path node %d gone", path[0])}
		return
	}

	b := &Batch{
		From:   from,
		To:     next.ID,
		Deltas: deltas,
		Replay: true,
		Path:   path[1:],
		Key:    key,
		Done:   done,
	}
	if next.Domain == d.idx {
		d.replayStep(b)
	} else {
		d.graph.domains[next.Domain].enqueue(message{batch: b})
	}
}

// fail marks the domain dead. State corruption means operator state and the
// delta history have desynchronized; the engine never tries to self-heal,
// it surfaces the error and stops applying writes in this domain.
func (d *Domain) fail(err error) {
	d.err = err
	d.log.Error(err, "fatal domain error, stopping delta processing")
	if d.graph.onFailure != nil {
		d.graph.onFailure(d.idx, err)
	}
}
