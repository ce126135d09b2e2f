package guardrails

import (
	"fmt"
	"strings"
)

// Types that lose range or precision when a column is changed to them.
var narrowTypes = map[string]bool{
	"TINYINT": true, "BYTE": true, "SMALLINT": true, "SHORT": true,
	"INT": true, "INTEGER": true, "FLOAT": true, "REAL": true,
	"DATE": true, "BOOLEAN": true, "VARCHAR": true, "CHAR": true,
}

// stmt is a tokenized statement with its leading CTEs skipped.
type stmt struct {
	tokens []token
	// verb is the index of the statement keyword in tokens, or -1.
	verb int
}

func newStmt(tokens []token) stmt {
	return stmt{tokens: tokens, verb: findVerb(tokens)}
}

// afterVerb returns the i-th token after the verb, or an empty token.
func (s stmt) afterVerb(i int) token {
	j := s.verb + i
	if s.verb < 0 || j >= len(s.tokens) {
		return token{}
	}
	return s.tokens[j]
}

// hasTopLevel reports whether keyword appears outside any parentheses after
// the verb.
func (s stmt) hasTopLevel(keyword string) bool {
	for _, t := range s.tokens[max(s.verb, 0):] {
		if t.depth == 0 && t.is(keyword) {
			return true
		}
	}
	return false
}

// findVerb skips a leading WITH clause and returns the index of the first
// statement keyword.
func findVerb(tokens []token) int {
	if len(tokens) == 0 {
		return -1
	}
	if !tokens[0].is("WITH") {
		return 0
	}

	i := 1
	if i < len(tokens) && tokens[i].is("RECURSIVE") {
		i++
	}
	for i < len(tokens) {
		// name [ (columns) ] AS ( query )
		for i < len(tokens) && !(tokens[i].depth == 0 && tokens[i].is("AS")) {
			i++
		}
		i++ // AS
		if i >= len(tokens) || !tokens[i].isSymbol("(") {
			return -1
		}
		i = skipParens(tokens, i)
		if i < len(tokens) && tokens[i].isSymbol(",") {
			i++
			continue
		}
		if i < len(tokens) {
			return i
		}
		return -1
	}
	return -1
}

// skipParens returns the index just past the parenthesis group opened at i.
func skipParens(tokens []token, i int) int {
	open := tokens[i].depth
	for i++; i < len(tokens); i++ {
		if tokens[i].isSymbol(")") && tokens[i].depth == open {
			return i + 1
		}
	}
	return len(tokens)
}

// objectName reads a dotted name starting at i and returns its parts.
func objectName(tokens []token, i int) []string {
	var parts []string
	for i < len(tokens) {
		t := tokens[i]
		if t.kind != tokWord && t.kind != tokQuotedIdent {
			break
		}
		parts = append(parts, t.text)
		if i+1 < len(tokens) && tokens[i+1].isSymbol(".") {
			i += 2
			continue
		}
		break
	}
	return parts
}

func checkStatement(tokens []token, opts Options) []Violation {
	s := newStmt(tokens)
	if s.verb < 0 {
		return nil
	}

	var out []Violation
	add := func(rule, format string, args ...interface{}) {
		out = append(out, Violation{RuleID: rule, Message: fmt.Sprintf(format, args...)})
	}

	switch s.tokens[s.verb].upper {
	case "DROP":
		object := s.afterVerb(1)
		switch object.upper {
		case "TABLE", "DATABASE", "SCHEMA", "CATALOG":
			add(RuleDrop, "DROP %s is not allowed", object.upper)
		}
	case "TRUNCATE":
		add(RuleTruncate, "TRUNCATE is not allowed")
	case "DELETE":
		if !s.hasTopLevel("WHERE") {
			add(RuleDeleteNoWhere, "DELETE without a WHERE clause would remove every row")
		}
	case "UPDATE":
		if !s.hasTopLevel("WHERE") {
			add(RuleUpdateNoWhere, "UPDATE without a WHERE clause would rewrite every row")
		}
	case "ALTER":
		if reason := breakingAlter(s); reason != "" {
			add(RuleBreakingAlter, "breaking ALTER TABLE: %s", reason)
		}
	}

	if opts.SourceCatalog != "" && !opts.AllowCrossCatalog {
		if name := writeTarget(s); len(name) == 3 && !strings.EqualFold(name[0], opts.SourceCatalog) {
			add(RuleCrossCatalog, "writes to catalog %q but the plan reads from %q; cross-catalog writes are disabled",
				name[0], opts.SourceCatalog)
		}
	}

	return out
}

// breakingAlter returns why an ALTER TABLE statement breaks readers of the
// table, or "" if it does not.
func breakingAlter(s stmt) string {
	if !s.afterVerb(1).is("TABLE") {
		return ""
	}

	tokens := s.tokens[s.verb:]
	for i, t := range tokens {
		if t.depth != 0 || t.kind != tokWord {
			continue
		}
		next := token{}
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}

		switch t.upper {
		case "DROP":
			if next.is("COLUMN") || next.is("COLUMNS") {
				return "drops columns"
			}
		case "REPLACE":
			if next.is("COLUMNS") {
				return "replaces the column list"
			}
		case "TYPE":
			if alterColumnType(tokens, i) && narrowTypes[next.upper] {
				return fmt.Sprintf("narrows a column to %s", next.upper)
			}
		case "CHANGE":
			for _, rest := range tokens[i+1:] {
				if rest.depth == 0 && rest.kind == tokWord && narrowTypes[rest.upper] {
					return fmt.Sprintf("narrows a column to %s", rest.upper)
				}
			}
		}
	}
	return ""
}

// alterColumnType reports whether tokens[i], a TYPE keyword, belongs to an
// ALTER [COLUMN] <name> TYPE clause rather than naming a column.
func alterColumnType(tokens []token, i int) bool {
	if i < 2 {
		return false
	}
	name := tokens[i-1]
	if name.kind != tokWord && name.kind != tokQuotedIdent {
		return false
	}
	if name.is("COLUMN") || name.is("TABLE") {
		return false
	}
	if tokens[i-2].is("ALTER") {
		return true
	}
	return i >= 3 && tokens[i-2].is("COLUMN") && tokens[i-3].is("ALTER")
}

// writeTarget returns the dotted name of the table a statement writes to, or
// nil for read-only statements.
func writeTarget(s stmt) []string {
	tokens := s.tokens
	i := s.verb + 1

	skip := func(keywords ...string) {
		for _, k := range keywords {
			if i < len(tokens) && tokens[i].is(k) {
				i++
			}
		}
	}

	switch tokens[s.verb].upper {
	case "INSERT":
		skip("INTO", "OVERWRITE", "TABLE")
	case "MERGE":
		skip("INTO")
	case "CREATE":
		skip("OR", "REPLACE", "TEMPORARY", "EXTERNAL")
		if i >= len(tokens) || !(tokens[i].is("TABLE") || tokens[i].is("VIEW")) {
			return nil
		}
		i++
		skip("IF", "NOT", "EXISTS")
	case "UPDATE":
	case "DELETE":
		skip("FROM")
	case "ALTER", "TRUNCATE", "DROP":
		if i >= len(tokens) || !tokens[i].is("TABLE") {
			return nil
		}
		i++
		skip("IF", "EXISTS")
	default:
		return nil
	}

	return objectName(tokens, i)
}
