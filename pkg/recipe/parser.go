// Package recipe parses recipe text: CREATE TABLE statements and named
// queries of the form
//
//	CREATE TABLE Article (aid int, title varchar(255), PRIMARY KEY(aid));
//	VoteCount: SELECT Vote.aid, COUNT(uid) AS votes FROM Vote GROUP BY Vote.aid;
//
// Statements terminate with ';', '#' starts a line comment, queries may read
// previously defined queries by name as if they were tables, and '?' marks a
// positional lookup parameter. Parsing is pure: it builds an AST and resolves
// name references but never touches engine state.
package recipe

import (
	"strconv"
	"strings"
)

type parser struct {
	lx   *lexer
	tok  token
	peek *token
}

// Parse parses and resolves a full recipe. Name resolution enforces that
// names are unique (DuplicateNameError) and that queries only reference
// tables or queries defined earlier in the recipe (UnresolvedReferenceError),
// so query-over-query references always form a DAG.
func Parse(input string) (*Recipe, error) {
	p := &parser{lx: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}

	rec := &Recipe{Source: input}
	defined := map[string]bool{}

	for p.tok.kind != tokEOF {
		if keywordIs(p.tok, "CREATE") {
			tbl, err := p.parseCreateTable()
			if err != nil {
				return nil, err
			}
			if defined[tbl.Name] {
				return nil, &DuplicateNameError{Name: tbl.Name}
			}
			defined[tbl.Name] = true
			rec.Tables = append(rec.Tables, tbl)
			continue
		}

		q, err := p.parseQuery()
		if err != nil {
			return nil, err
		}
		if defined[q.Name] {
			return nil, &DuplicateNameError{Name: q.Name}
		}
		for _, ref := range q.From {
			if !defined[ref] {
				return nil, &UnresolvedReferenceError{Query: q.Name, Ref: ref}
			}
		}
		defined[q.Name] = true
		rec.Queries = append(rec.Queries, q)
	}

	return rec, nil
}

func (p *parser) advance() error {
	if p.peek != nil {
		p.tok, p.peek = *p.peek, nil
		return nil
	}
	t, err := p.lx.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) peekTok() (token, error) {
	if p.peek == nil {
		t, err := p.lx.next()
		if err != nil {
			return token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *parser) expectPunct(s string) error {
	if p.tok.kind != tokPunct || p.tok.text != s {
		return syntaxErrorf(p.tok.line, "expected %q, got %q", s, p.tok.text)
	}
	return p.advance()
}

func (p *parser) expectKeyword(kw string) error {
	if !keywordIs(p.tok, kw) {
		return syntaxErrorf(p.tok.line, "expected %s, got %q", kw, p.tok.text)
	}
	return p.advance()
}

func (p *parser) expectIdent() (string, error) {
	if p.tok.kind != tokIdent {
		return "", syntaxErrorf(p.tok.line, "expected identifier, got %q", p.tok.text)
	}
	name := p.tok.text
	return name, p.advance()
}

// parseCreateTable parses
//
//	CREATE TABLE Name (col type, ..., PRIMARY KEY(col, ...));
func (p *parser) parseCreateTable() (*Table, error) {
	if err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}

	tbl := &Table{Name: name}
	var pkNames []string

	for {
		if keywordIs(p.tok, "PRIMARY") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			for {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				pkNames = append(pkNames, col)
				if p.tok.kind == tokPunct && p.tok.text == "," {
					if err := p.advance(); err != nil {
						return nil, err
					}
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		} else {
			colName, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			typ, err := p.parseTypeName()
			if err != nil {
				return nil, err
			}
			tbl.Columns = append(tbl.Columns, Column{Name: colName, Type: typ})
		}

		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	for _, pk := range pkNames {
		idx := tbl.ColumnIndex(pk)
		if idx < 0 {
			return nil, syntaxErrorf(p.tok.line, "primary key column %q not declared in table %q", pk, name)
		}
		tbl.PrimaryKey = append(tbl.PrimaryKey, idx)
	}

	return tbl, nil
}

// parseTypeName parses an advisory type: ident with an optional (n) suffix.
func (p *parser) parseTypeName() (string, error) {
	typ, err := p.expectIdent()
	if err != nil {
		return "", err
	}
	if p.tok.kind == tokPunct && p.tok.text == "(" {
		if err := p.advance(); err != nil {
			return "", err
		}
		if p.tok.kind != tokNumber {
			return "", syntaxErrorf(p.tok.line, "expected length in type, got %q", p.tok.text)
		}
		typ += "(" + p.tok.text + ")"
		if err := p.advance(); err != nil {
			return "", err
		}
		if err := p.expectPunct(")"); err != nil {
			return "", err
		}
	}
	return typ, nil
}

// parseQuery parses
//
//	Name: SELECT items FROM sources [WHERE preds] [GROUP BY cols];
func (p *parser) parseQuery() (*Query, error) {
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	q := &Query{Name: name}

	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		q.Select = append(q.Select, item)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	for {
		src, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		q.From = append(q.From, src)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if keywordIs(p.tok, "WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			pred, err := p.parsePredicate(q)
			if err != nil {
				return nil, err
			}
			q.Where = append(q.Where, pred)
			if keywordIs(p.tok, "AND") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}

	if keywordIs(p.tok, "GROUP") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.parseColumnRef()
			if err != nil {
				return nil, err
			}
			q.GroupBy = append(q.GroupBy, col)
			if p.tok.kind == tokPunct && p.tok.text == "," {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}

	if err := p.expectPunct(";"); err != nil {
		return nil, err
	}

	return q, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	var item SelectItem

	if agg := aggFuncFor(p.tok); agg != AggNone {
		// Aggregates are only treated as such when followed by '(';
		// otherwise "count" is a plain column name.
		nxt, err := p.peekTok()
		if err != nil {
			return item, err
		}
		if nxt.kind == tokPunct && nxt.text == "(" {
			if err := p.advance(); err != nil { // aggregate keyword
				return item, err
			}
			if err := p.advance(); err != nil { // '('
				return item, err
			}
			item.Agg = agg
			if p.tok.kind == tokPunct && p.tok.text == "*" {
				item.Star = true
				if err := p.advance(); err != nil {
					return item, err
				}
			} else {
				col, err := p.parseColumnRef()
				if err != nil {
					return item, err
				}
				item.Column = col
			}
			if err := p.expectPunct(")"); err != nil {
				return item, err
			}
			return p.parseAlias(item)
		}
	}

	col, err := p.parseColumnRef()
	if err != nil {
		return item, err
	}
	item.Column = col
	return p.parseAlias(item)
}

func (p *parser) parseAlias(item SelectItem) (SelectItem, error) {
	if keywordIs(p.tok, "AS") {
		if err := p.advance(); err != nil {
			return item, err
		}
		alias, err := p.expectIdent()
		if err != nil {
			return item, err
		}
		item.Alias = alias
	}
	return item, nil
}

func (p *parser) parseColumnRef() (ColumnRef, error) {
	first, err := p.expectIdent()
	if err != nil {
		return ColumnRef{}, err
	}
	if p.tok.kind == tokPunct && p.tok.text == "." {
		if err := p.advance(); err != nil {
			return ColumnRef{}, err
		}
		col, err := p.expectIdent()
		if err != nil {
			return ColumnRef{}, err
		}
		return ColumnRef{Qualifier: first, Column: col}, nil
	}
	return ColumnRef{Column: first}, nil
}

func (p *parser) parsePredicate(q *Query) (Predicate, error) {
	left, err := p.parseColumnRef()
	if err != nil {
		return Predicate{}, err
	}

	if p.tok.kind != tokOp {
		return Predicate{}, syntaxErrorf(p.tok.line, "expected comparison operator, got %q", p.tok.text)
	}
	op, err := cmpOpFor(p.tok)
	if err != nil {
		return Predicate{}, err
	}
	if err := p.advance(); err != nil {
		return Predicate{}, err
	}

	pred := Predicate{Left: left, Op: op, ParamIndex: -1}

	switch {
	case p.tok.kind == tokPunct && p.tok.text == "?":
		if op != CmpEq {
			return Predicate{}, syntaxErrorf(p.tok.line, "parameter predicates must use '='")
		}
		pred.Param = true
		pred.ParamIndex = q.Params
		q.Params++
		return pred, p.advance()

	case p.tok.kind == tokIdent:
		right, err := p.parseColumnRef()
		if err != nil {
			return Predicate{}, err
		}
		pred.RightCol = &right
		return pred, nil

	case p.tok.kind == tokNumber:
		lit, err := parseNumber(p.tok)
		if err != nil {
			return Predicate{}, err
		}
		pred.Literal = lit
		return pred, p.advance()

	case p.tok.kind == tokString:
		pred.Literal = p.tok.text
		return pred, p.advance()

	default:
		return Predicate{}, syntaxErrorf(p.tok.line, "expected column, literal or '?', got %q", p.tok.text)
	}
}

func aggFuncFor(t token) AggFunc {
	if t.kind != tokIdent {
		return AggNone
	}
	switch strings.ToUpper(t.text) {
	case "COUNT":
		return AggCount
	case "SUM":
		return AggSum
	case "MIN":
		return AggMin
	case "MAX":
		return AggMax
	default:
		return AggNone
	}
}

func cmpOpFor(t token) (CmpOp, error) {
	switch t.text {
	case "=":
		return CmpEq, nil
	case "!=":
		return CmpNe, nil
	case "<":
		return CmpLt, nil
	case "<=":
		return CmpLe, nil
	case ">":
		return CmpGt, nil
	case ">=":
		return CmpGe, nil
	default:
		return 0, syntaxErrorf(t.line, "unknown operator %q", t.text)
	}
}

func parseNumber(t token) (any, error) {
	if strings.Contains(t.text, ".") {
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxErrorf(t.line, "invalid number %q", t.text)
		}
		return f, nil
	}
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return nil, syntaxErrorf(t.line, "invalid number %q", t.text)
	}
	return n, nil
}
