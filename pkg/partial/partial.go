// Package partial manages lazily materialized state: it tracks resident-key
// recency across partial readers, evicts cold keys when the residency budget
// is exceeded, and coalesces concurrent upqueries so one miss storm on a key
// triggers exactly one replay.
package partial

import (
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/l7mp/deltaview/pkg/dataflow"
)

type entryKey struct {
	node dataflow.NodeID
	key  string
}

type flight struct {
	done chan struct{}
	err  error
}

// Manager tracks residency across every partial reader of one graph.
type Manager struct {
	g   *dataflow.Graph
	log logr.Logger

	mu       sync.Mutex
	recency  *lru.Cache[entryKey, *dataflow.Node]
	inflight map[entryKey]*flight
}

// New creates a manager with the given residency budget (total resident keys
// across all partial readers). A non-positive budget disables eviction.
func New(g *dataflow.Graph, capacity int, log logr.Logger) (*Manager, error) {
	m := &Manager{
		g:        g,
		log:      log.WithName("partial"),
		inflight: make(map[entryKey]*flight),
	}
	if capacity > 0 {
		c, err := lru.NewWithEvict[entryKey, *dataflow.Node](capacity, m.onEvict)
		if err != nil {
			return nil, err
		}
		m.recency = c
	}
	return m, nil
}

// onEvict drops the cold key from the reader and from every lazy aggregate
// on its replay path. The reader goes first: once it is non-resident a stale
// read is impossible, the next lookup re-triggers an upquery.
func (m *Manager) onEvict(ek entryKey, reader *dataflow.Node) {
	m.g.Evict(reader, ek.key)
	for _, id := range reader.UpPath {
		n, ok := m.g.Node(id)
		if !ok || n.ID == reader.ID {
			continue
		}
		if n.Kind == dataflow.Aggregate && n.Partial {
			m.g.Evict(n, ek.key)
		}
	}
	m.log.V(1).Info("evicted", "reader", reader.Name, "key", ek.key)
}

// Touch records a hit on a resident key.
func (m *Manager) Touch(reader *dataflow.Node, key string) {
	if m.recency == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recency.Add(entryKey{node: reader.ID, key: key}, reader)
}

// Ensure makes a key resident in the reader's backlog, issuing an upquery
// unless one for the same key is already in flight; concurrent callers ride
// the in-flight replay. On return (with nil error) the key has been
// materialized at least once; the caller re-reads the backlog, since an
// eviction may race.
func (m *Manager) Ensure(reader *dataflow.Node, key string) error {
	ek := entryKey{node: reader.ID, key: key}

	m.mu.Lock()
	if fl, ok := m.inflight[ek]; ok {
		m.mu.Unlock()
		<-fl.done
		return fl.err
	}
	fl := &flight{done: make(chan struct{})}
	m.inflight[ek] = fl
	m.mu.Unlock()

	res := <-m.g.Upquery(reader, key)
	fl.err = res.Err

	m.mu.Lock()
	delete(m.inflight, ek)
	if fl.err == nil && m.recency != nil {
		m.recency.Add(ek, reader)
	}
	m.mu.Unlock()

	close(fl.done)
	return fl.err
}

// Resident returns the number of tracked resident keys.
func (m *Manager) Resident() int {
	if m.recency == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recency.Len()
}
