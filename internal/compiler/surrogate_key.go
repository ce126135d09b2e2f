package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type surrogateKey struct {
	cfg *plan.SurrogateKeyConfig
}

// generate inserts one row per business key not yet in the target, assigning
// its surrogate key either by continuing the target's sequence or by hashing
// the business key.
func (g surrogateKey) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	cfg := g.cfg
	if cfg.KeyColumn == "" || len(cfg.BusinessKeys) == 0 {
		return nil, errors.New("surrogate key requires key_column and business_keys")
	}

	target := tableName(tgt.TableRef)
	sk := quoteIdent(cfg.KeyColumn)

	var keyExpr string
	switch cfg.KeyStrategy {
	case "", plan.KeyStrategyRowNumber:
		keyExpr = fmt.Sprintf("(SELECT COALESCE(MAX(%s), 0) FROM %s) + ROW_NUMBER() OVER (ORDER BY %s)",
			sk, target, qualifiedList("s", cfg.BusinessKeys))
	case plan.KeyStrategyHash:
		keyExpr = rowHash("s", cfg.BusinessKeys)
	default:
		return nil, fmt.Errorf("unsupported key_strategy %q", cfg.KeyStrategy)
	}

	inner := "*"
	outer := "s.* EXCEPT (_sk_rank)"
	if len(src.Columns) > 0 {
		inner = columnList(src.Columns)
		outer = qualifiedList("s", src.Columns)
	}

	var b strings.Builder
	if len(src.Columns) > 0 {
		fmt.Fprintf(&b, "INSERT INTO %s (%s)\n", target, columnList(append([]string{cfg.KeyColumn}, src.Columns...)))
	} else {
		fmt.Fprintf(&b, "INSERT INTO %s\n", target)
	}
	fmt.Fprintf(&b, "SELECT\n  %s AS %s,\n  %s\n", keyExpr, sk, outer)
	fmt.Fprintf(&b, "FROM (\n  SELECT %s,\n    ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS _sk_rank\n  FROM %s\n) AS s\n",
		inner, columnList(cfg.BusinessKeys), columnList(cfg.BusinessKeys), tableName(src.TableRef))
	fmt.Fprintf(&b, "WHERE s._sk_rank = 1\n")
	fmt.Fprintf(&b, "  AND NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)", target, joinCondition("t", "s", "<=>", cfg.BusinessKeys))

	return []statement{{body: b.String(), description: "assign surrogate keys to new business keys"}}, nil
}
