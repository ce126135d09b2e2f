package guardrails

import (
	"errors"
	"strings"
	"testing"

	"github.com/planwright/planwright/internal/compiler"
	"github.com/planwright/planwright/internal/plan"
)

func ruleIDs(r Report) []string {
	ids := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		ids[i] = v.RuleID
	}
	return ids
}

func TestAnalyzeRequiredCases(t *testing.T) {
	drop := AnalyzeSQL([]string{"DROP TABLE x"}, Options{})
	if drop.Allowed {
		t.Error("Expected DROP TABLE to be blocked")
	}
	if len(drop.Violations) != 1 || drop.Violations[0].RuleID != RuleDrop {
		t.Errorf("Expected one %s violation, got %v", RuleDrop, drop.Violations)
	}
	if drop.Violations[0].StatementNumber != 1 {
		t.Errorf("Expected statement number 1, got %d", drop.Violations[0].StatementNumber)
	}

	del := AnalyzeSQL([]string{"DELETE FROM x"}, Options{})
	if del.Allowed {
		t.Error("Expected DELETE without WHERE to be blocked")
	}

	delWhere := AnalyzeSQL([]string{"DELETE FROM x WHERE id=1"}, Options{})
	if !delWhere.Allowed {
		t.Errorf("Expected DELETE with WHERE to be allowed, got %v", delWhere.Violations)
	}
}

func TestAnalyzeDenylist(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		rule string
	}{
		{"drop table if exists", "drop table if exists cat.sch.t", RuleDrop},
		{"drop database", "DROP DATABASE analytics CASCADE", RuleDrop},
		{"drop schema", "DROP SCHEMA sch", RuleDrop},
		{"truncate", "TRUNCATE TABLE cat.sch.t", RuleTruncate},
		{"delete with where only in subquery", "DELETE FROM t USING (SELECT id FROM s WHERE x = 1) AS s", RuleDeleteNoWhere},
		{"update without where", "UPDATE t SET a = 1", RuleUpdateNoWhere},
		{"drop column", "ALTER TABLE t DROP COLUMN email", RuleBreakingAlter},
		{"drop columns", "ALTER TABLE t DROP COLUMNS (a, b)", RuleBreakingAlter},
		{"replace columns", "ALTER TABLE t REPLACE COLUMNS (id BIGINT)", RuleBreakingAlter},
		{"narrow type", "ALTER TABLE t ALTER COLUMN amount TYPE INT", RuleBreakingAlter},
		{"narrow type without column keyword", "ALTER TABLE t ALTER amount TYPE SMALLINT", RuleBreakingAlter},
		{"narrow type of column named type", "ALTER TABLE t ALTER COLUMN `type` TYPE INT", RuleBreakingAlter},
		{"change column narrow", "ALTER TABLE t CHANGE COLUMN amount amount SMALLINT", RuleBreakingAlter},
		{"delete after cte", "WITH old AS (SELECT id FROM t WHERE ts < 0) DELETE FROM t", RuleDeleteNoWhere},
		{"lower case", "truncate t", RuleTruncate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := AnalyzeSQL([]string{tt.sql}, Options{})
			if report.Allowed {
				t.Fatalf("Expected %q to be blocked", tt.sql)
			}
			if ids := ruleIDs(report); len(ids) != 1 || ids[0] != tt.rule {
				t.Errorf("Expected [%s], got %v", tt.rule, ids)
			}
		})
	}
}

func TestAnalyzeAllowlist(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"select", "SELECT * FROM t"},
		{"insert", "INSERT INTO cat.sch.t SELECT * FROM cat.sch.s"},
		{"merge with delete branch", "MERGE INTO t USING s ON t.id = s.id WHEN MATCHED AND s.deleted THEN DELETE WHEN NOT MATCHED THEN INSERT *"},
		{"create or replace", "CREATE OR REPLACE TABLE t AS SELECT * FROM s"},
		{"window function", "SELECT id, ROW_NUMBER() OVER (PARTITION BY id ORDER BY ts DESC) AS rn FROM t"},
		{"cte", "WITH recent AS (SELECT * FROM t WHERE ts > 0) SELECT * FROM recent"},
		{"update with where", "UPDATE t SET a = 1 WHERE id = 2"},
		{"widening type", "ALTER TABLE t ALTER COLUMN amount TYPE BIGINT"},
		{"add column", "ALTER TABLE t ADD COLUMNS (note STRING)"},
		{"add column named type", "ALTER TABLE t ADD COLUMN type INT"},
		{"add columns named type", "ALTER TABLE t ADD COLUMNS (type SMALLINT, kind STRING)"},
		{"set properties", "ALTER TABLE t SET TBLPROPERTIES ('delta.appendOnly' = 'true')"},
		{"drop partition", "ALTER TABLE t DROP PARTITION (d = '2024-01-01')"},
		{"keyword in string", "SELECT 'DROP TABLE x; TRUNCATE y' AS note FROM t"},
		{"keyword in escaped string", `SELECT 'it\'s DROP TABLE x' FROM t`},
		{"keyword in doubled quote string", "SELECT 'it''s; DROP TABLE x' FROM t"},
		{"keyword in quoted identifier", "SELECT `drop table` FROM t"},
		{"keyword in double-quoted identifier", `SELECT "DELETE FROM x" FROM t`},
		{"keyword in line comment", "SELECT 1 -- DROP TABLE x\nFROM t"},
		{"keyword in block comment", "/* TRUNCATE t; DROP TABLE x */ SELECT 1"},
		{"empty", ""},
		{"comment only", "-- nothing here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := AnalyzeSQL([]string{tt.sql}, Options{})
			if !report.Allowed {
				t.Errorf("Expected %q to be allowed, got %v", tt.sql, report.Violations)
			}
			if report.Violations == nil {
				t.Error("Expected empty, non-nil violation list")
			}
		})
	}
}

func TestAnalyzeSplitsStatements(t *testing.T) {
	report := AnalyzeSQL([]string{
		"SELECT 1",
		"INSERT INTO t SELECT * FROM s; DROP TABLE s",
		"DELETE FROM t WHERE id = 1",
		"UPDATE t SET a = 1; TRUNCATE u",
	}, Options{})

	if report.Allowed {
		t.Fatal("Expected report to be blocked")
	}
	want := []Violation{
		{StatementNumber: 2, RuleID: RuleDrop},
		{StatementNumber: 4, RuleID: RuleUpdateNoWhere},
		{StatementNumber: 4, RuleID: RuleTruncate},
	}
	if len(report.Violations) != len(want) {
		t.Fatalf("Expected %d violations, got %v", len(want), report.Violations)
	}
	for i, w := range want {
		got := report.Violations[i]
		if got.StatementNumber != w.StatementNumber || got.RuleID != w.RuleID {
			t.Errorf("Violation %d: expected statement %d %s, got statement %d %s",
				i, w.StatementNumber, w.RuleID, got.StatementNumber, got.RuleID)
		}
		if got.Message == "" {
			t.Errorf("Violation %d has no message", i)
		}
	}
}

func TestAnalyzeCrossCatalog(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		allow   bool
		blocked bool
	}{
		{"insert other catalog", "INSERT INTO prod.sch.t SELECT * FROM dev.sch.s", false, true},
		{"insert overwrite other catalog", "INSERT OVERWRITE TABLE prod.sch.t SELECT 1", false, true},
		{"merge other catalog", "MERGE INTO prod.sch.t AS t USING dev.sch.s AS s ON t.id = s.id WHEN MATCHED THEN UPDATE SET *", false, true},
		{"create other catalog", "CREATE OR REPLACE TABLE prod.sch.t AS SELECT 1", false, true},
		{"create if not exists other catalog", "CREATE TABLE IF NOT EXISTS prod.sch.t (id INT)", false, true},
		{"quoted catalog", "INSERT INTO `prod`.sch.t SELECT 1", false, true},
		{"delete other catalog", "DELETE FROM prod.sch.t WHERE id = 1", false, true},
		{"allowed by option", "INSERT INTO prod.sch.t SELECT * FROM dev.sch.s", true, false},
		{"same catalog different case", "INSERT INTO DEV.sch.t SELECT 1", false, false},
		{"two part name", "INSERT INTO sch.t SELECT 1", false, false},
		{"read from other catalog", "INSERT INTO dev.sch.t SELECT * FROM prod.sch.s", false, false},
		{"select only", "SELECT * FROM prod.sch.t", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := AnalyzeSQL([]string{tt.sql}, Options{SourceCatalog: "dev", AllowCrossCatalog: tt.allow})
			if report.Allowed == tt.blocked {
				t.Fatalf("Expected blocked=%v, got violations %v", tt.blocked, report.Violations)
			}
			if tt.blocked {
				if ids := ruleIDs(report); len(ids) != 1 || ids[0] != RuleCrossCatalog {
					t.Errorf("Expected [%s], got %v", RuleCrossCatalog, ids)
				}
			}
		})
	}
}

func TestAnalyzeCompiledPlans(t *testing.T) {
	configs := []struct {
		cfg     plan.PatternConfig
		columns []string
	}{
		{&plan.IncrementalAppendConfig{WatermarkColumn: "updated_at"}, nil},
		{&plan.FullReplaceConfig{}, nil},
		{&plan.FullReplaceConfig{Mode: plan.FullReplaceStaging}, nil},
		{&plan.FullReplaceConfig{Conversion: &plan.FormatConversion{SourceFormat: "parquet", TargetFormat: "delta"}}, nil},
		{&plan.FullReplaceConfig{Conversion: &plan.FormatConversion{
			SourceFormat: "delta", TargetFormat: "delta", TableProperties: map[string]string{"delta.appendOnly": "true"},
		}}, nil},
		{&plan.MergeUpsertConfig{MergeKeys: []string{"id"}}, nil},
		{&plan.SCD2Config{BusinessKeys: []string{"id"}, EffectiveDateColumn: "f", EndDateColumn: "t"}, []string{"id", "name"}},
		{&plan.SnapshotConfig{SnapshotDateColumn: "d"}, nil},
		{&plan.AggregateRefreshConfig{GroupByColumns: []string{"g"}, Aggregations: []plan.Aggregation{{Function: "SUM", Column: "x", Alias: "s"}}}, nil},
		{&plan.SurrogateKeyConfig{KeyColumn: "sk", BusinessKeys: []string{"id"}, KeyStrategy: plan.KeyStrategyHash}, nil},
		{&plan.DeduplicateConfig{KeyColumns: []string{"id"}, OrderByColumn: "ts"}, nil},
	}

	for _, tt := range configs {
		t.Run(string(tt.cfg.PatternType()), func(t *testing.T) {
			p := &plan.Plan{
				Metadata: plan.Metadata{PlanID: "p", Version: 1},
				Pattern:  plan.PatternSelector{Type: tt.cfg.PatternType()},
				Source: plan.Source{
					TableRef: plan.TableRef{Catalog: "cat", Schema: "sch", Table: "src"},
					Columns:  tt.columns,
				},
				Target: plan.Target{
					TableRef:  plan.TableRef{Catalog: "cat", Schema: "sch", Table: "tgt"},
					WriteMode: plan.WriteModeAppend,
				},
				PatternConfig: tt.cfg,
			}
			compiled, err := compiler.Compile(p)
			if err != nil {
				t.Fatalf("Compile returned error: %v", err)
			}

			report := AnalyzeCompiled(compiled, Options{})
			if !report.Allowed {
				t.Errorf("Expected generated SQL to pass guardrails, got %v", report.Violations)
			}

			p.Target.Catalog = "prod"
			compiled, err = compiler.Compile(p)
			if err != nil {
				t.Fatalf("Compile returned error: %v", err)
			}
			report = AnalyzeCompiled(compiled, Options{})
			if report.Allowed {
				t.Error("Expected write into another catalog to be blocked")
			}
		})
	}
}

func TestReportErr(t *testing.T) {
	if err := AnalyzeSQL([]string{"SELECT 1"}, Options{}).Err(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}

	err := AnalyzeSQL([]string{"SELECT 1", "TRUNCATE t"}, Options{}).Err()
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected *BlockedError, got %T", err)
	}
	if !strings.Contains(err.Error(), "statement 2: [GR002]") {
		t.Errorf("Expected statement number and rule id in error, got %q", err.Error())
	}
}

func TestLexTracksDepthAndLines(t *testing.T) {
	stmts := lex("SELECT (a)\n-- x;\nFROM t; /* ; */\n'a;b'")
	if len(stmts) != 2 {
		t.Fatalf("Expected 2 statements, got %d", len(stmts))
	}

	first := stmts[0]
	var from token
	for _, tok := range first {
		if tok.is("FROM") {
			from = tok
		}
		if tok.text == "a" && tok.depth != 1 {
			t.Errorf("Expected a at depth 1, got %d", tok.depth)
		}
	}
	if from.line != 3 {
		t.Errorf("Expected FROM on line 3, got %d", from.line)
	}

	if len(stmts[1]) != 1 || stmts[1][0].kind != tokString || stmts[1][0].text != "a;b" {
		t.Errorf("Expected a single string token, got %+v", stmts[1])
	}
}
