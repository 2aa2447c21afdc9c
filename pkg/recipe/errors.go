package recipe

import "fmt"

// DuplicateNameError is returned when a table or query redefines a name that
// is already taken within the recipe.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate name %q in recipe", e.Name)
}

// UnresolvedReferenceError is returned when a query reads from a table or
// query that the recipe does not define (or defines only later).
type UnresolvedReferenceError struct {
	Query string
	Ref   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("query %q references undefined name %q", e.Query, e.Ref)
}

// ParameterArityMismatchError is returned at lookup time when the number of
// bound values does not match the query's parameter inventory.
type ParameterArityMismatchError struct {
	Query string
	Want  int
	Got   int
}

func (e *ParameterArityMismatchError) Error() string {
	return fmt.Sprintf("query %q takes %d parameter(s), got %d", e.Query, e.Want, e.Got)
}

// SyntaxError is returned for malformed recipe text.
type SyntaxError struct {
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d: %s", e.Line, e.Message)
}

func syntaxErrorf(line int, format string, args ...any) error {
	return &SyntaxError{Line: line, Message: fmt.Sprintf(format, args...)}
}
