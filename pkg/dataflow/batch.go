package dataflow

import "github.com/l7mp/deltaview/pkg/row"

// Batch is one unit of delta propagation: a set of signed rows traveling an
// edge of the graph, stamped with the base node it originated from and that
// base's monotonically increasing sequence number. Replay batches carry the
// remaining downstream path of an upquery instead of fanning out to every
// child.
type Batch struct {
	// Source is the base node the deltas originate from; Seq is the
	// per-source sequence number stamped at ingestion. Replay batches have
	// no single source and leave these zero.
	Source NodeID
	Seq    uint64

	// From is the parent that emitted the batch, To the node it is
	// addressed to.
	From NodeID
	To   NodeID

	Deltas []row.Delta

	// Replay marks an upquery replay. Path holds the nodes still to be
	// traversed after To, ending at the partial node being populated.
	// Key is the encoded key being populated; Done receives the final row
	// set (or an error) when the replay lands.
	Replay bool
	Path   []NodeID
	Key    string
	Done   chan ReplayResult
}

// ReplayResult is delivered on a replay batch's Done channel once the replay
// has been folded into the target node's state.
type ReplayResult struct {
	Rows []row.Row
	Err  error
}

// controlKind enumerates domain control messages.
type controlKind int

const (
	ctrlPause controlKind = iota
	ctrlBarrier
	ctrlEvict
	ctrlUpquery
	ctrlStop
)

// control is an out-of-band domain instruction. Controls share the inbox with
// delta batches so they serialize with the delta stream at a well-defined
// point.
type control struct {
	kind controlKind

	// pause
	resume chan struct{}

	// evict
	node NodeID
	key  string

	// upquery: read the rows under key at node (via cols) and replay them
	// down path.
	cols []int
	path []NodeID
	done chan ReplayResult

	// barrier/pause acknowledgement
	ack chan struct{}
}

// message is what travels a domain inbox: exactly one of batch or ctrl set.
type message struct {
	batch *Batch
	ctrl  *control
}
