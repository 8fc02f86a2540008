// Package sqlparse recognizes the data modifying statements an AT branch
// needs to reason about. It is not a general SQL parser: it extracts the
// target table, the assigned or inserted columns and the predicate text of
// single-table UPDATE, INSERT and DELETE statements, along with how the
// positional `?` placeholders are split between clauses.
package sqlparse

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a statement.
type Kind int

const (
	// KindOther is any statement the AT layer passes through untouched.
	KindOther Kind = iota
	// KindUpdate is a single-table UPDATE.
	KindUpdate
	// KindInsert is an INSERT or REPLACE.
	KindInsert
	// KindDelete is a single-table DELETE.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return "other"
	}
}

// ErrUnsupported reports a modifying statement shape the recognizer cannot
// reduce to one table and one predicate (multi-table UPDATE, joins in DELETE).
var ErrUnsupported = errors.New("sqlparse: unsupported statement")

// Statement is the recognized shape of one SQL statement.
type Statement struct {
	Kind Kind
	// Table is the target table as written, qualifiers included, quotes removed.
	Table string
	// Columns are the SET targets of an UPDATE or the column list of an INSERT.
	Columns []string
	// Where is the predicate text following WHERE, without the keyword and
	// without trailing ORDER BY or LIMIT clauses. Empty when absent.
	Where string
	// SetArgs counts placeholders that appear before the predicate.
	SetArgs int
	// WhereArgs counts placeholders inside the predicate.
	WhereArgs int
	// Tail is the ORDER BY and LIMIT text following the predicate. It never
	// holds placeholders.
	Tail string
}

// HasWhere reports whether the statement carries a predicate.
func (s Statement) HasWhere() bool { return strings.TrimSpace(s.Where) != "" }

// PredicateArgs returns the slice of args bound to the predicate
// placeholders. It returns nil when args does not cover them.
func (s Statement) PredicateArgs(args []any) []any {
	end := s.SetArgs + s.WhereArgs
	if s.WhereArgs == 0 || len(args) < end {
		return nil
	}
	out := make([]any, s.WhereArgs)
	copy(out, args[s.SetArgs:end])
	return out
}

// BeforeImageQuery renders the SELECT capturing the rows an UPDATE or DELETE
// is about to modify: same table, predicate, ordering and row limit.
func (s Statement) BeforeImageQuery() string {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(QuoteTable(s.Table))
	if s.HasWhere() {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.Where)
	}
	if s.Tail != "" {
		sb.WriteString(" ")
		sb.WriteString(s.Tail)
	}
	return sb.String()
}

// QuoteIdent backquotes one identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteTable backquotes every part of a qualified table name.
func QuoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// Parse recognizes query. Statements that are not UPDATE, INSERT, REPLACE or
// DELETE return KindOther without error.
func Parse(query string) (Statement, error) {
	toks, err := tokenize(query)
	if err != nil {
		return Statement{}, err
	}
	p := &parser{src: query, toks: toks}
	if len(toks) == 0 {
		return Statement{Kind: KindOther}, nil
	}
	switch {
	case toks[0].isKeyword("UPDATE"):
		return p.update()
	case toks[0].isKeyword("INSERT"), toks[0].isKeyword("REPLACE"):
		return p.insert()
	case toks[0].isKeyword("DELETE"):
		return p.delete()
	default:
		return Statement{Kind: KindOther}, nil
	}
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF, start: len(p.src), end: len(p.src)}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) skipModifiers(words ...string) {
	for {
		t := p.peek()
		matched := false
		for _, w := range words {
			if t.isKeyword(w) {
				p.pos++
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}
}

// tableName reads a possibly qualified identifier such as db.`orders`.
func (p *parser) tableName() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", fmt.Errorf("sqlparse: expected table name at offset %d", t.start)
	}
	parts := []string{t.text}
	for p.peek().isPunct(".") {
		p.pos++
		t = p.next()
		if t.kind != tokIdent {
			return "", fmt.Errorf("sqlparse: expected identifier after '.' at offset %d", t.start)
		}
		parts = append(parts, t.text)
	}
	return strings.Join(parts, "."), nil
}

// skipAlias consumes an optional [AS] alias following a table name.
func (p *parser) skipAlias(stop ...string) {
	t := p.peek()
	if t.isKeyword("AS") {
		p.pos += 2
		return
	}
	if t.kind != tokIdent || t.quoted || isJoin(t) {
		return
	}
	for _, s := range stop {
		if t.isKeyword(s) {
			return
		}
	}
	p.pos++
}

func isJoin(t token) bool {
	for _, w := range []string{"JOIN", "INNER", "LEFT", "RIGHT", "CROSS", "STRAIGHT_JOIN", "NATURAL"} {
		if t.isKeyword(w) {
			return true
		}
	}
	return false
}

func (p *parser) update() (Statement, error) {
	p.next()
	p.skipModifiers("LOW_PRIORITY", "IGNORE")
	table, err := p.tableName()
	if err != nil {
		return Statement{}, err
	}
	p.skipAlias("SET")
	if p.peek().isPunct(",") || isJoin(p.peek()) {
		return Statement{}, ErrUnsupported
	}
	if !p.next().isKeyword("SET") {
		return Statement{}, fmt.Errorf("sqlparse: expected SET after UPDATE %s", table)
	}
	stmt := Statement{Kind: KindUpdate, Table: table}
	expectTarget := true
	depth := 0
	for {
		t := p.peek()
		if t.kind == tokEOF || (depth == 0 && (t.isKeyword("WHERE") || t.isKeyword("ORDER") || t.isKeyword("LIMIT"))) {
			break
		}
		p.pos++
		switch {
		case t.kind == tokPlaceholder:
			stmt.SetArgs++
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		case depth == 0 && t.isPunct(","):
			expectTarget = true
			continue
		}
		if expectTarget {
			if t.kind != tokIdent {
				return Statement{}, fmt.Errorf("sqlparse: expected column at offset %d", t.start)
			}
			col := t.text
			for p.peek().isPunct(".") {
				p.pos++
				col = p.next().text
			}
			if !p.peek().isPunct("=") {
				return Statement{}, fmt.Errorf("sqlparse: expected '=' after column %s", col)
			}
			stmt.Columns = append(stmt.Columns, col)
			expectTarget = false
		}
	}
	if len(stmt.Columns) == 0 {
		return Statement{}, fmt.Errorf("sqlparse: UPDATE %s assigns no columns", table)
	}
	if err := p.predicate(&stmt); err != nil {
		return Statement{}, err
	}
	return stmt, nil
}

func (p *parser) delete() (Statement, error) {
	p.next()
	p.skipModifiers("LOW_PRIORITY", "QUICK", "IGNORE")
	if !p.next().isKeyword("FROM") {
		return Statement{}, ErrUnsupported
	}
	table, err := p.tableName()
	if err != nil {
		return Statement{}, err
	}
	p.skipAlias("WHERE", "ORDER", "LIMIT", "USING")
	if p.peek().isPunct(",") || p.peek().isKeyword("USING") || isJoin(p.peek()) {
		return Statement{}, ErrUnsupported
	}
	stmt := Statement{Kind: KindDelete, Table: table}
	if err := p.predicate(&stmt); err != nil {
		return Statement{}, err
	}
	return stmt, nil
}

func (p *parser) insert() (Statement, error) {
	p.next()
	p.skipModifiers("LOW_PRIORITY", "DELAYED", "HIGH_PRIORITY", "IGNORE")
	if p.peek().isKeyword("INTO") {
		p.pos++
	}
	table, err := p.tableName()
	if err != nil {
		return Statement{}, err
	}
	stmt := Statement{Kind: KindInsert, Table: table}
	if p.peek().isPunct("(") {
		p.pos++
	cols:
		for {
			t := p.next()
			switch {
			case t.kind == tokIdent:
				stmt.Columns = append(stmt.Columns, t.text)
			case t.isPunct(","):
			case t.isPunct(")"):
				break cols
			default:
				return Statement{}, fmt.Errorf("sqlparse: malformed column list at offset %d", t.start)
			}
		}
	}
	for _, t := range p.toks[p.pos:] {
		if t.kind == tokPlaceholder {
			stmt.SetArgs++
		}
	}
	return stmt, nil
}

// predicate consumes an optional WHERE clause up to ORDER BY, LIMIT or the
// end of the statement.
func (p *parser) predicate(stmt *Statement) error {
	t := p.peek()
	if !t.isKeyword("WHERE") {
		return p.trailing(stmt)
	}
	p.pos++
	start := p.peek().start
	end := start
	depth := 0
	for {
		t := p.peek()
		if t.kind == tokEOF || (depth == 0 && (t.isKeyword("ORDER") || t.isKeyword("LIMIT"))) {
			break
		}
		p.pos++
		switch {
		case t.kind == tokPlaceholder:
			stmt.WhereArgs++
		case t.isPunct("("):
			depth++
		case t.isPunct(")"):
			depth--
		}
		end = t.end
	}
	stmt.Where = strings.TrimSpace(p.src[start:end])
	if stmt.Where == "" {
		return errors.New("sqlparse: empty WHERE clause")
	}
	return p.trailing(stmt)
}

// trailing records ORDER BY and LIMIT and rejects placeholders in them;
// they would shift the predicate arguments in ways the before image cannot
// follow.
func (p *parser) trailing(stmt *Statement) error {
	rest := p.toks[p.pos:]
	if len(rest) == 0 {
		return nil
	}
	for _, t := range rest {
		if t.kind == tokPlaceholder {
			return fmt.Errorf("%w: placeholder after predicate in %s", ErrUnsupported, stmt.Kind)
		}
	}
	if !rest[0].isKeyword("ORDER") && !rest[0].isKeyword("LIMIT") {
		return fmt.Errorf("%w: unexpected %q after predicate in %s", ErrUnsupported, rest[0].text, stmt.Kind)
	}
	stmt.Tail = strings.TrimSpace(p.src[rest[0].start:rest[len(rest)-1].end])
	return nil
}
