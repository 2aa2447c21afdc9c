package recipe

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct // single-char punctuation: ( ) , ; : . ? *
	tokOp    // = != < <= > >=
)

type token struct {
	kind tokenKind
	text string
	line int
}

type lexer struct {
	input string
	pos   int
	line  int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1}
}

// next returns the next token, skipping whitespace and '#' line comments.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '#':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		default:
			return l.scan()
		}
	}
	return token{kind: tokEOF, line: l.line}, nil
}

func (l *lexer) scan() (token, error) {
	start := l.pos
	c := l.input[l.pos]

	switch {
	case isIdentStart(rune(c)):
		for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], line: l.line}, nil

	case c >= '0' && c <= '9' || c == '-' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		l.pos++
		for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], line: l.line}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var b strings.Builder
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			if l.input[l.pos] == '\n' {
				return token{}, syntaxErrorf(l.line, "unterminated string literal")
			}
			b.WriteByte(l.input[l.pos])
			l.pos++
		}
		if l.pos >= len(l.input) {
			return token{}, syntaxErrorf(l.line, "unterminated string literal")
		}
		l.pos++ // closing quote
		return token{kind: tokString, text: b.String(), line: l.line}, nil

	case c == '!' || c == '<' || c == '>':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
		} else if c == '!' {
			return token{}, syntaxErrorf(l.line, "unexpected character %q", string(c))
		}
		return token{kind: tokOp, text: l.input[start:l.pos], line: l.line}, nil

	case c == '=':
		l.pos++
		return token{kind: tokOp, text: "=", line: l.line}, nil

	case strings.ContainsRune("(),;:.?*", rune(c)):
		l.pos++
		return token{kind: tokPunct, text: string(c), line: l.line}, nil

	default:
		return token{}, syntaxErrorf(l.line, "unexpected character %q", string(c))
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// keywordIs matches an identifier token against a keyword, case-insensitively.
func keywordIs(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}
