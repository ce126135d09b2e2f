// Package guardrails statically inspects compiled SQL and blocks destructive
// or ungoverned statements before they reach a warehouse.
//
// The analyzer works on surface syntax. Statements are tokenized with comments
// dropped and string literals and quoted identifiers kept as opaque tokens, so
// keywords embedded in them are never matched. It is a heuristic and not a SQL
// parser: dynamically built SQL, or a write target without a catalog prefix,
// is not resolved.
package guardrails

import (
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/compiler"
)

// Rule identifiers.
const (
	RuleDrop          = "GR001"
	RuleTruncate      = "GR002"
	RuleDeleteNoWhere = "GR003"
	RuleBreakingAlter = "GR004"
	RuleCrossCatalog  = "GR005"
	RuleUpdateNoWhere = "GR006"
)

// Violation is one denylist match.
type Violation struct {
	StatementNumber int    `json:"statement_number"`
	RuleID          string `json:"rule_id"`
	Message         string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("statement %d: [%s] %s", v.StatementNumber, v.RuleID, v.Message)
}

// Report is the outcome of analyzing a list of statements.
type Report struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
}

// Err returns a *BlockedError when the report does not allow execution.
func (r Report) Err() error {
	if r.Allowed {
		return nil
	}
	return &BlockedError{Violations: r.Violations}
}

// BlockedError is returned when guardrails refuse a set of statements.
type BlockedError struct {
	Violations []Violation
}

func (e *BlockedError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "blocked by guardrails: " + strings.Join(parts, "; ")
}

// Options configures the analyzer.
type Options struct {
	// SourceCatalog is the catalog the plan reads from. Writes into a
	// different catalog are blocked unless AllowCrossCatalog is set.
	SourceCatalog     string
	AllowCrossCatalog bool
}

// Statement is one numbered entry to analyze. A single entry may contain
// several semicolon-separated statements; all are reported under Number.
type Statement struct {
	Number int
	SQL    string
}

// Analyze checks every statement against the denylist. Each statement is
// analyzed independently; any violation makes the report disallowed.
func Analyze(stmts []Statement, opts Options) Report {
	report := Report{Allowed: true, Violations: []Violation{}}
	for _, stmt := range stmts {
		for _, tokens := range lex(stmt.SQL) {
			for _, v := range checkStatement(tokens, opts) {
				v.StatementNumber = stmt.Number
				report.Violations = append(report.Violations, v)
			}
		}
	}
	report.Allowed = len(report.Violations) == 0
	return report
}

// AnalyzeSQL analyzes plain statement texts, numbering them from 1.
func AnalyzeSQL(sqls []string, opts Options) Report {
	stmts := make([]Statement, len(sqls))
	for i, s := range sqls {
		stmts[i] = Statement{Number: i + 1, SQL: s}
	}
	return Analyze(stmts, opts)
}

// AnalyzeCompiled analyzes a compiled plan. The plan's source catalog is used
// when opts does not name one.
func AnalyzeCompiled(c *compiler.Compiled, opts Options) Report {
	if opts.SourceCatalog == "" {
		opts.SourceCatalog = c.SourceCatalog
	}
	stmts := make([]Statement, len(c.Statements))
	for i, s := range c.Statements {
		stmts[i] = Statement{Number: s.StatementNumber, SQL: s.SQL}
	}
	return Analyze(stmts, opts)
}
