package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type deduplicate struct {
	cfg *plan.DeduplicateConfig
}

func (g deduplicate) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	cfg := g.cfg

	direction := strings.ToUpper(cfg.OrderDirection)
	if direction == "" {
		direction = "DESC"
	}
	if direction != "ASC" && direction != "DESC" {
		return nil, fmt.Errorf("unsupported order_direction %q", cfg.OrderDirection)
	}

	var partition, order string
	switch cfg.Strategy {
	case "", plan.DedupWindow:
		if len(cfg.KeyColumns) == 0 || cfg.OrderByColumn == "" {
			return nil, errors.New("window deduplication requires key_columns and order_by_column")
		}
		partition = columnList(cfg.KeyColumns)
		order = quoteIdent(cfg.OrderByColumn) + " " + direction
	case plan.DedupRowHash:
		if len(src.Columns) == 0 {
			return nil, errors.New("row_hash deduplication requires explicit source columns")
		}
		partition = rowHash("", src.Columns)
		// Rows in one partition are identical, so any order picks the same row.
		if cfg.OrderByColumn != "" {
			order = quoteIdent(cfg.OrderByColumn) + " " + direction
		} else {
			order = columnList(src.Columns)
		}
	default:
		return nil, fmt.Errorf("unsupported dedup strategy %q", cfg.Strategy)
	}

	inner := "*"
	outer := "* EXCEPT (_dedup_rank)"
	if len(src.Columns) > 0 {
		inner = columnList(src.Columns)
		outer = inner
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s AS\n", tableName(tgt.TableRef))
	fmt.Fprintf(&b, "SELECT %s\n", outer)
	fmt.Fprintf(&b, "FROM (\n  SELECT %s,\n    ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS _dedup_rank\n  FROM %s\n) AS d\n",
		inner, partition, order, tableName(src.TableRef))
	b.WriteString("WHERE _dedup_rank = 1")

	return []statement{{body: b.String(), destructive: true, description: "rebuild target without duplicates"}}, nil
}
