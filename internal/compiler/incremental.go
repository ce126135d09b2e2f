package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type incrementalAppend struct {
	cfg *plan.IncrementalAppendConfig
}

// watermarkSentinel is the floor used when the target is empty.
func watermarkSentinel(t plan.WatermarkType) (string, error) {
	switch t {
	case "", plan.WatermarkTimestamp:
		return "TIMESTAMP '1900-01-01 00:00:00'", nil
	case plan.WatermarkDate:
		return "DATE '1900-01-01'", nil
	case plan.WatermarkEpoch, plan.WatermarkInteger:
		return "0", nil
	default:
		return "", fmt.Errorf("unsupported watermark_type %q", t)
	}
}

func (g incrementalAppend) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	if g.cfg.WatermarkColumn == "" {
		return nil, errors.New("incremental append requires watermark_column")
	}
	sentinel, err := watermarkSentinel(g.cfg.WatermarkType)
	if err != nil {
		return nil, err
	}

	wm := quoteIdent(g.cfg.WatermarkColumn)
	target := tableName(tgt.TableRef)
	predicate := fmt.Sprintf("%s > (SELECT COALESCE(MAX(%s), %s) FROM %s)", wm, wm, sentinel, target)
	if f := strings.TrimSpace(g.cfg.Filter); f != "" {
		predicate += "\n  AND (" + f + ")"
	}

	if tgt.WriteMode == plan.WriteModeMerge {
		return g.merge(src, tgt, predicate)
	}

	var b strings.Builder
	if len(src.Columns) > 0 {
		fmt.Fprintf(&b, "INSERT INTO %s (%s)\n", target, columnList(src.Columns))
	} else {
		fmt.Fprintf(&b, "INSERT INTO %s\n", target)
	}
	fmt.Fprintf(&b, "SELECT %s\nFROM %s\nWHERE %s", selectList(src.Columns), tableName(src.TableRef), predicate)

	return []statement{{body: b.String(), description: "append rows above the target watermark"}}, nil
}

// merge upserts the rows above the watermark keyed on the match columns.
func (g incrementalAppend) merge(src plan.Source, tgt plan.Target, predicate string) ([]statement, error) {
	if len(g.cfg.MatchColumns) == 0 {
		return nil, errors.New("incremental append with MERGE write mode requires match_columns")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t\n", tableName(tgt.TableRef))
	fmt.Fprintf(&b, "USING (\n  SELECT %s\n  FROM %s\n  WHERE %s\n) AS s\n",
		selectList(src.Columns), tableName(src.TableRef), strings.ReplaceAll(predicate, "\n", "\n  "))
	fmt.Fprintf(&b, "ON %s\n", joinCondition("t", "s", "=", g.cfg.MatchColumns))
	b.WriteString(matchedClauses(src.Columns, g.cfg.MatchColumns, nil))

	return []statement{{body: b.String(), description: "merge rows above the target watermark"}}, nil
}

// matchedClauses renders the WHEN MATCHED / WHEN NOT MATCHED branches of a
// MERGE from source alias s into target alias t. updates overrides the
// default of every non-key column.
func matchedClauses(cols, keys, updates []string) string {
	var b strings.Builder
	if len(cols) == 0 && len(updates) == 0 {
		b.WriteString("WHEN MATCHED THEN UPDATE SET *\n")
		b.WriteString("WHEN NOT MATCHED THEN INSERT *")
		return b.String()
	}

	if len(updates) == 0 {
		updates = without(cols, keys)
	}
	if len(updates) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET\n  %s\n", assignments("t", "s", updates))
	}
	if len(cols) == 0 {
		b.WriteString("WHEN NOT MATCHED THEN INSERT *")
	} else {
		fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s)\n  VALUES (%s)", columnList(cols), qualifiedList("s", cols))
	}
	return b.String()
}
