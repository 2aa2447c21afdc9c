package dataflow

import "fmt"

// StateCorruptionError signals an internal invariant violation, e.g. the
// retraction of a row that is not present in operator state. It is fatal to
// the affected domain: the engine does not attempt to self-heal desynchronized
// state, it surfaces the error loudly and stops the domain.
type StateCorruptionError struct {
	Node   string
	Reason string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption at node %s: %s", e.Node, e.Reason)
}

func corrupt(node, format string, args ...any) error {
	return &StateCorruptionError{Node: node, Reason: fmt.Sprintf(format, args...)}
}
