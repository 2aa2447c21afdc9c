package plan

import "fmt"

// UnsupportedQueryError is returned when a query parses but cannot be
// expressed in the scan/filter/equi-join/aggregate/project operator set.
// This is an explicit non-goal of the engine, not a bug.
type UnsupportedQueryError struct {
	Query  string
	Reason string
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("unsupported query %q: %s", e.Query, e.Reason)
}

func unsupported(query, format string, args ...any) error {
	return &UnsupportedQueryError{Query: query, Reason: fmt.Sprintf(format, args...)}
}
