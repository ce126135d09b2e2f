package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type aggregateRefresh struct {
	cfg *plan.AggregateRefreshConfig
}

func (g aggregateRefresh) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	cfg := g.cfg
	if len(cfg.GroupByColumns) == 0 || len(cfg.Aggregations) == 0 {
		return nil, errors.New("aggregate refresh requires group_by_columns and aggregations")
	}

	outputs := []string{columnList(cfg.GroupByColumns)}
	for _, agg := range cfg.Aggregations {
		expr, err := aggregateExpr(agg)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, fmt.Sprintf("%s AS %s", expr, quoteIdent(agg.Alias)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s AS\n", tableName(tgt.TableRef))
	fmt.Fprintf(&b, "SELECT\n  %s\n", strings.Join(outputs, ",\n  "))
	fmt.Fprintf(&b, "FROM %s%s\n", tableName(src.TableRef), whereClause(cfg.Filter))
	fmt.Fprintf(&b, "GROUP BY %s", columnList(cfg.GroupByColumns))
	if h := strings.TrimSpace(cfg.Having); h != "" {
		fmt.Fprintf(&b, "\nHAVING (%s)", h)
	}

	return []statement{{body: b.String(), destructive: true, description: "rebuild aggregate table"}}, nil
}

func aggregateExpr(agg plan.Aggregation) (string, error) {
	if agg.Alias == "" {
		return "", errors.New("aggregation is missing an alias")
	}
	fn := strings.ToUpper(agg.Function)

	col := ""
	if agg.Column != "" && agg.Column != "*" {
		col = quoteIdent(agg.Column)
	}

	switch fn {
	case "COUNT":
		if col == "" {
			return "COUNT(*)", nil
		}
		return fmt.Sprintf("COUNT(%s)", col), nil
	case "COUNT_DISTINCT":
		if col == "" {
			return "", fmt.Errorf("COUNT_DISTINCT for %s needs a column", agg.Alias)
		}
		return fmt.Sprintf("COUNT(DISTINCT %s)", col), nil
	case "SUM", "AVG", "MIN", "MAX":
		if col == "" {
			return "", fmt.Errorf("%s for %s needs a column", fn, agg.Alias)
		}
		return fmt.Sprintf("%s(%s)", fn, col), nil
	default:
		return "", fmt.Errorf("unsupported aggregate function %q", agg.Function)
	}
}
