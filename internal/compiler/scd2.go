package compiler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planwright/planwright/internal/plan"
)

type scd2 struct {
	cfg *plan.SCD2Config
}

// generate emits two statements that must run in order. The first closes the
// current row of every business key whose tracked columns changed; the second
// inserts a current row for every key left without one, which covers both new
// keys and keys closed by the first statement. Each key therefore ends with at
// most one current row.
func (g scd2) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	cfg := g.cfg
	switch {
	case len(src.Columns) == 0:
		return nil, errors.New("SCD2 requires explicit source columns")
	case len(cfg.BusinessKeys) == 0:
		return nil, errors.New("SCD2 requires business_keys")
	case cfg.EffectiveDateColumn == "" || cfg.EndDateColumn == "":
		return nil, errors.New("SCD2 requires effective_date_column and end_date_column")
	}

	compare := cfg.CompareColumns
	if len(compare) == 0 {
		compare = without(src.Columns, cfg.BusinessKeys)
	}
	if len(compare) == 0 {
		return nil, errors.New("SCD2 has no columns to compare")
	}

	flag := cfg.CurrentFlagColumn
	if flag == "" {
		flag = plan.DefaultCurrentFlagColumn
	}
	endDefault, err := endDateLiteral(cfg.EndDateDefault)
	if err != nil {
		return nil, err
	}

	target := tableName(tgt.TableRef)
	source := onePerKey(src, cfg.BusinessKeys, compare)
	currentMatch := fmt.Sprintf("%s AND t.%s = true", joinCondition("t", "s", "<=>", cfg.BusinessKeys), quoteIdent(flag))

	changed := make([]string, len(compare))
	for i, c := range compare {
		q := quoteIdent(c)
		changed[i] = fmt.Sprintf("NOT (t.%s <=> s.%s)", q, q)
	}

	var closeOut strings.Builder
	fmt.Fprintf(&closeOut, "MERGE INTO %s AS t\n", target)
	fmt.Fprintf(&closeOut, "USING (\n%s\n) AS s\n", indent(source))
	fmt.Fprintf(&closeOut, "ON %s\n", currentMatch)
	fmt.Fprintf(&closeOut, "WHEN MATCHED AND (\n  %s\n) THEN UPDATE SET\n", strings.Join(changed, "\n  OR "))
	fmt.Fprintf(&closeOut, "  t.%s = current_timestamp(),\n", quoteIdent(cfg.EndDateColumn))
	fmt.Fprintf(&closeOut, "  t.%s = false", quoteIdent(flag))

	insertCols := append(append([]string{}, src.Columns...), cfg.EffectiveDateColumn, cfg.EndDateColumn, flag)

	var insert strings.Builder
	fmt.Fprintf(&insert, "INSERT INTO %s (%s)\n", target, columnList(insertCols))
	fmt.Fprintf(&insert, "SELECT %s, current_timestamp(), %s, true\n", qualifiedList("s", src.Columns), endDefault)
	fmt.Fprintf(&insert, "FROM (\n%s\n) AS s\n", indent(source))
	fmt.Fprintf(&insert, "LEFT JOIN %s AS t\n  ON %s\n", target, currentMatch)
	fmt.Fprintf(&insert, "WHERE t.%s IS NULL", quoteIdent(flag))

	return []statement{
		{body: closeOut.String(), description: "close changed current rows"},
		{body: insert.String(), description: "insert new current rows"},
	}, nil
}

// onePerKey selects one source row per business key so that neither
// statement sees two candidate rows for the same key.
func onePerKey(src plan.Source, keys, order []string) string {
	cols := columnList(src.Columns)
	return fmt.Sprintf(
		"SELECT %s\nFROM (\n  SELECT %s,\n    ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS _scd2_rank\n  FROM %s\n) AS ranked\nWHERE _scd2_rank = 1",
		cols, cols, columnList(keys), columnList(order), tableName(src.TableRef),
	)
}

func endDateLiteral(v string) (string, error) {
	if v == "" {
		v = plan.DefaultEndDateDefault
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return fmt.Sprintf("TIMESTAMP '%s'", t.Format("2006-01-02 15:04:05")), nil
		}
	}
	return "", fmt.Errorf("end_date_default %q is not a date or timestamp", v)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
