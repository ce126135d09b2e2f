package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type mergeUpsert struct {
	cfg *plan.MergeUpsertConfig
}

func (g mergeUpsert) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	if len(g.cfg.MergeKeys) == 0 {
		return nil, errors.New("merge upsert requires merge_keys")
	}

	using := tableName(src.TableRef)
	if len(src.Columns) > 0 {
		using = fmt.Sprintf("(\n  SELECT %s\n  FROM %s\n)", columnList(src.Columns), using)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t\n", tableName(tgt.TableRef))
	fmt.Fprintf(&b, "USING %s AS s\n", using)
	fmt.Fprintf(&b, "ON %s\n", joinCondition("t", "s", "=", g.cfg.MergeKeys))
	b.WriteString(matchedClauses(src.Columns, g.cfg.MergeKeys, g.cfg.UpdateColumns))

	return []statement{{body: b.String(), description: "upsert source rows"}}, nil
}
