package plan

import (
	"strings"
)

// Column is a resolved output column: its visible name, the source (table or
// query) it originates from and its advisory type.
type Column struct {
	Name   string
	Source string
	Type   string
}

// Schema is an ordered column list.
type Schema []Column

// Names returns the visible column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		if c.Source != "" {
			parts[i] = c.Source + "." + c.Name
		} else {
			parts[i] = c.Name
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
