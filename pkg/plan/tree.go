// Package plan lowers parsed queries into logical operator trees using only
// scan, filter, equi-join, group-by/aggregate and projection. Every
// operator's output schema is fully resolved (column name to position) before
// graph build; a query whose shape cannot be expressed in this operator set
// fails with an UnsupportedQueryError.
package plan

import (
	"fmt"

	"github.com/l7mp/deltaview/pkg/recipe"
	"github.com/l7mp/deltaview/pkg/row"
)

// Tree is a logical operator tree node.
type Tree interface {
	Schema() Schema
	// Signature is a canonical structural identifier. Two plan nodes with
	// equal signatures compute the same result from the same inputs; the
	// graph builder uses this to share dataflow nodes across queries.
	Signature() string
}

// Scan reads a base table or the output of a previously defined query.
type Scan struct {
	Source  string
	IsQuery bool
	Out     Schema
}

func (s *Scan) Schema() Schema    { return s.Out }
func (s *Scan) Signature() string { return "scan(" + s.Source + ")" }

// Filter keeps rows for which column Col compares against a literal.
type Filter struct {
	Input Tree
	Col   int
	Op    recipe.CmpOp
	Value row.Value
}

func (f *Filter) Schema() Schema { return f.Input.Schema() }
func (f *Filter) Signature() string {
	return fmt.Sprintf("filter(%s;%d%s%v)", f.Input.Signature(), f.Col, f.Op, f.Value)
}

// Join is an equi-join on explicit key columns of both inputs. Its output
// schema is the concatenation of the left and right schemas.
type Join struct {
	Left      Tree
	Right     Tree
	LeftCols  []int
	RightCols []int
	Out       Schema
}

func (j *Join) Schema() Schema { return j.Out }
func (j *Join) Signature() string {
	return fmt.Sprintf("join(%s;%s;%v=%v)", j.Left.Signature(), j.Right.Signature(), j.LeftCols, j.RightCols)
}

// AggSpec is one aggregate output. Col is the argument column position in the
// input schema, or -1 for COUNT(*).
type AggSpec struct {
	Fn   recipe.AggFunc
	Col  int
	Name string
}

// Aggregate groups its input by the GroupBy columns and computes one value
// per AggSpec. Output schema: group columns first, then aggregate outputs.
type Aggregate struct {
	Input   Tree
	GroupBy []int
	Aggs    []AggSpec
	Out     Schema
}

func (a *Aggregate) Schema() Schema { return a.Out }
func (a *Aggregate) Signature() string {
	sig := fmt.Sprintf("agg(%s;%v", a.Input.Signature(), a.GroupBy)
	for _, spec := range a.Aggs {
		sig += fmt.Sprintf(";%s:%d", spec.Fn, spec.Col)
	}
	return sig + ")"
}

// Project remaps input columns into the final output order.
type Project struct {
	Input Tree
	Cols  []int
	Out   Schema
}

func (p *Project) Schema() Schema { return p.Out }
func (p *Project) Signature() string {
	return fmt.Sprintf("project(%s;%v)", p.Input.Signature(), p.Cols)
}

// Plan is a fully lowered query: the operator tree plus the reader-side
// metadata the graph builder needs.
type Plan struct {
	Name string
	Root Tree
	// KeyCols are the positions in the output schema the reader endpoint is
	// keyed on: the parameter columns if the query has any, else the group
	// columns, else the primary key of the (single) source, else column 0.
	KeyCols []int
	// Params is the number of lookup parameters the reader expects.
	Params int
}

// Schema returns the plan's output schema.
func (p *Plan) Schema() Schema { return p.Root.Schema() }
