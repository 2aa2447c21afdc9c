package migrate

import "fmt"

// TableChangedError rejects a migration that redefines an existing base
// table: base state cannot be reshaped in place. Drop the table in one
// migration and re-create it in the next.
type TableChangedError struct {
	Table string
}

func (e *TableChangedError) Error() string {
	return fmt.Sprintf("table %q changed definition: base tables cannot be altered by migration", e.Table)
}
