package sqlparse

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokPlaceholder
	tokPunct
)

type token struct {
	kind   tokKind
	text   string
	quoted bool
	start  int
	end    int
}

func (t token) isKeyword(word string) bool {
	return t.kind == tokIdent && !t.quoted && strings.EqualFold(t.text, word)
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// tokenize splits a MySQL flavoured statement. Comments are dropped, quoted
// identifiers are unquoted and a trailing semicolon ends the statement.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && strings.HasPrefix(src[i:], "--"), c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("sqlparse: unterminated comment at offset %d", i)
			}
			i += end + 4
		case c == ';':
			return toks, nil
		case c == '?':
			toks = append(toks, token{kind: tokPlaceholder, text: "?", start: i, end: i + 1})
			i++
		case c == '\'' || c == '"':
			end, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end
		case c == '`':
			end, err := scanQuoted(src, i, c)
			if err != nil {
				return nil, err
			}
			name := strings.ReplaceAll(src[i+1:end-1], "``", "`")
			toks = append(toks, token{kind: tokIdent, text: name, quoted: true, start: i, end: end})
			i = end
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], start: start, end: i})
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], start: start, end: i})
		default:
			start := i
			i++
			// two character operators
			if i < len(src) {
				switch src[start : i+1] {
				case "<=", ">=", "<>", "!=", ":=":
					i++
				}
			}
			toks = append(toks, token{kind: tokPunct, text: src[start:i], start: start, end: i})
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the closing quote. Doubled quotes
// and backslash escapes (outside backticks) stay inside the literal.
func scanQuoted(src string, start int, quote byte) (int, error) {
	i := start + 1
	for i < len(src) {
		switch src[i] {
		case '\\':
			if quote != '`' {
				i += 2
				continue
			}
		case quote:
			if i+1 < len(src) && src[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("sqlparse: unterminated %c quote at offset %d", quote, start)
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
