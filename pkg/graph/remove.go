package graph

import (
	"github.com/l7mp/deltaview/pkg/dataflow"
)

// QueryAncestors returns the reader of a query together with every node
// upstream of it. Migration uses this to decide which domains to pause
// before unlinking.
func (b *Builder) QueryAncestors(name string) []dataflow.NodeID {
	b.mu.RLock()
	id, ok := b.readers[name]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	seen := make(map[dataflow.NodeID]bool)
	var out []dataflow.NodeID
	var walk func(dataflow.NodeID)
	walk = func(id dataflow.NodeID) {
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
		if n, ok := b.g.Node(id); ok {
			for _, p := range n.Parents {
				walk(p)
			}
		}
	}
	walk(id)
	return out
}

// RemoveQuery unlinks a query's reader and garbage-collects every upstream
// node whose reference count drops to zero. Base nodes survive as long as
// their table definition does. The caller must hold pauses on the domains of
// the query's ancestors.
func (b *Builder) RemoveQuery(name string) {
	b.mu.Lock()
	id, ok := b.readers[name]
	if ok {
		delete(b.readers, name)
		delete(b.outputs, name)
		delete(b.plans, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.Release(id)
}

// Release drops the recipe-entry reference of a reader that has already been
// unmapped, e.g. the old endpoint of a replaced query after the new one took
// over its name, and garbage-collects its chain.
func (b *Builder) Release(id dataflow.NodeID) {
	n, ok := b.g.Node(id)
	if !ok {
		return
	}
	n.Refs-- // the recipe entry
	if n.Refs <= 0 {
		b.gc(id)
	}
}

// RemoveTable drops a base node. The engine guarantees no query references
// the table anymore, so the node's only remaining reference is its recipe
// entry.
func (b *Builder) RemoveTable(name string) {
	b.mu.Lock()
	id, ok := b.bases[name]
	if ok {
		delete(b.bases, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.Release(id)
}

func (b *Builder) gc(id dataflow.NodeID) {
	n, ok := b.g.Node(id)
	if !ok {
		return
	}
	for _, p := range n.Parents {
		if b.g.Unlink(p, id) <= 0 {
			b.gc(p)
		}
	}
	b.g.Remove(id)
	delete(b.partialUp, id)
	for sig, sid := range b.shared {
		if sid == id {
			delete(b.shared, sig)
		}
	}
	b.log.V(1).Info("node collected", "id", id, "name", n.Name)
}
