package engine

import "fmt"

// UnknownTableError reports a write against a table the active recipe does
// not define.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

// UnknownQueryError reports a lookup against a query the active recipe does
// not define.
type UnknownQueryError struct {
	Query string
}

func (e *UnknownQueryError) Error() string {
	return fmt.Sprintf("unknown query %q", e.Query)
}

// LookupThrashError reports a partial lookup whose key kept being evicted
// between materialization and read. It indicates a residency budget far too
// small for the working set.
type LookupThrashError struct {
	Query string
}

func (e *LookupThrashError) Error() string {
	return fmt.Sprintf("lookup on %q cannot keep its key resident: residency budget too small", e.Query)
}

// MalformedRowError reports a write whose row does not fit the table.
type MalformedRowError struct {
	Table  string
	Reason string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row for table %q: %s", e.Table, e.Reason)
}
