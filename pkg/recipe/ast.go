package recipe

import "github.com/l7mp/deltaview/pkg/row"

// Recipe is an immutable, ordered list of table definitions and named
// queries. A recipe is never mutated once parsed: schema change is always
// "replace the recipe" via a migration.
type Recipe struct {
	Tables  []*Table
	Queries []*Query

	// Source is the raw recipe text the recipe was parsed from.
	Source string
}

// Table is a base-table definition.
type Table struct {
	Name    string
	Columns []Column
	// PrimaryKey holds positions into Columns.
	PrimaryKey []int
}

// Column is a named column with an advisory (unenforced) type.
type Column struct {
	Name string
	Type string
}

// Query is a named query over tables and/or previously defined queries.
type Query struct {
	Name string
	// Select is the projection list, in output order.
	Select []SelectItem
	// From lists the tables/queries read, in appearance order. References
	// are resolved against earlier recipe entries only; queries form a DAG.
	From []string
	// Where is a conjunction of predicates.
	Where []Predicate
	// GroupBy lists grouping columns.
	GroupBy []ColumnRef
	// Params counts the positional "?" markers, in appearance order.
	Params int
}

// SelectItem is one output column: either a plain column reference or an
// aggregate call, optionally aliased.
type SelectItem struct {
	Column ColumnRef
	Agg    AggFunc // AggNone for a plain column
	Star   bool    // COUNT(*)
	Alias  string
}

// ColumnRef is a possibly qualified column reference.
type ColumnRef struct {
	Qualifier string // table or query name, empty if unqualified
	Column    string
}

func (c ColumnRef) String() string {
	if c.Qualifier == "" {
		return c.Column
	}
	return c.Qualifier + "." + c.Column
}

// AggFunc enumerates the supported aggregate functions.
type AggFunc int

const (
	AggNone AggFunc = iota
	AggCount
	AggSum
	AggMin
	AggMax
)

func (a AggFunc) String() string {
	switch a {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "NONE"
	}
}

// CmpOp enumerates comparison operators usable in WHERE predicates.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

func (o CmpOp) String() string {
	switch o {
	case CmpEq:
		return "="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	default:
		return "?"
	}
}

// Predicate is one conjunct of a WHERE clause. Exactly one of RightCol,
// Param or Literal describes the right-hand side:
//   - column = column across sources is a join condition,
//   - column = ?  declares the next positional parameter,
//   - column <op> literal is a filter.
type Predicate struct {
	Left     ColumnRef
	Op       CmpOp
	RightCol *ColumnRef
	Param    bool
	Literal  row.Value
	// ParamIndex is the zero-based appearance index for parameter
	// predicates, -1 otherwise.
	ParamIndex int
}

// Table returns the named table definition, if any.
func (r *Recipe) Table(name string) (*Table, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Query returns the named query definition, if any.
func (r *Recipe) Query(name string) (*Query, bool) {
	for _, q := range r.Queries {
		if q.Name == name {
			return q, true
		}
	}
	return nil, false
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
