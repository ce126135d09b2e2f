package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

var bareIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Reserved words that must be quoted when used as identifiers.
var reservedWords = map[string]bool{
	"ALL": true, "AND": true, "ANY": true, "AS": true, "AUTHORIZATION": true,
	"BOTH": true, "CASE": true, "CAST": true, "CHECK": true, "COLLATE": true,
	"COLUMN": true, "CONSTRAINT": true, "CREATE": true, "CROSS": true,
	"CURRENT": true, "CURRENT_DATE": true, "CURRENT_TIME": true,
	"CURRENT_TIMESTAMP": true, "CURRENT_USER": true, "DISTINCT": true,
	"ELSE": true, "END": true, "ESCAPE": true, "EXCEPT": true, "FALSE": true,
	"FETCH": true, "FILTER": true, "FOR": true, "FOREIGN": true, "FROM": true,
	"FULL": true, "GRANT": true, "GROUP": true, "HAVING": true, "IN": true,
	"INNER": true, "INTERSECT": true, "INTO": true, "IS": true, "JOIN": true,
	"LATERAL": true, "LEADING": true, "LEFT": true, "NATURAL": true, "NOT": true,
	"NULL": true, "OF": true, "ON": true, "ONLY": true, "OR": true, "ORDER": true,
	"OUTER": true, "OVERLAPS": true, "PRIMARY": true, "REFERENCES": true,
	"RIGHT": true, "SELECT": true, "SESSION_USER": true, "SOME": true,
	"TABLE": true, "THEN": true, "TO": true, "TRAILING": true, "TRUE": true,
	"UNION": true, "UNIQUE": true, "UNKNOWN": true, "USER": true, "USING": true,
	"WHEN": true, "WHERE": true, "WINDOW": true, "WITH": true,
}

// quoteIdent returns name unchanged when it is a plain identifier, otherwise
// wrapped in backticks with embedded backticks doubled.
func quoteIdent(name string) string {
	if bareIdentifier.MatchString(name) && !reservedWords[strings.ToUpper(name)] {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func tableName(ref plan.TableRef) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{ref.Catalog, ref.Schema, ref.Table} {
		if p != "" {
			parts = append(parts, quoteIdent(p))
		}
	}
	return strings.Join(parts, ".")
}

// siblingTable returns ref with suffix appended to the table name.
func siblingTable(ref plan.TableRef, suffix string) plan.TableRef {
	ref.Table += suffix
	return ref
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func qualifiedList(alias string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = alias + "." + quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// selectList returns the column list, or * when no columns are given.
func selectList(cols []string) string {
	if len(cols) == 0 {
		return "*"
	}
	return columnList(cols)
}

// joinCondition renders "l.k = r.k AND ..." using op as the comparison.
func joinCondition(left, right, op string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		q := quoteIdent(k)
		parts[i] = fmt.Sprintf("%s.%s %s %s.%s", left, q, op, right, q)
	}
	return strings.Join(parts, " AND ")
}

func assignments(left, right string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		q := quoteIdent(c)
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, q, right, q)
	}
	return strings.Join(parts, ",\n  ")
}

// stringLiteral quotes s as a SQL string literal with backslash escapes.
func stringLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// rowHash renders a sha256 over the string forms of cols.
func rowHash(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		ref := quoteIdent(c)
		if alias != "" {
			ref = alias + "." + ref
		}
		parts[i] = fmt.Sprintf("CAST(%s AS STRING)", ref)
	}
	return fmt.Sprintf("sha2(concat_ws('||', %s), 256)", strings.Join(parts, ", "))
}

func without(cols, drop []string) []string {
	var out []string
	for _, c := range cols {
		if !slices.ContainsFunc(drop, func(d string) bool { return strings.EqualFold(c, d) }) {
			out = append(out, c)
		}
	}
	return out
}

func whereClause(filter string) string {
	if strings.TrimSpace(filter) == "" {
		return ""
	}
	return "\nWHERE (" + strings.TrimSpace(filter) + ")"
}
