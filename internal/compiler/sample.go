package compiler

import (
	"fmt"

	"github.com/planwright/planwright/internal/plan"
)

// SampleQuery returns a read-only query for the first limit rows of the
// source, using the same column selection the generators use.
func SampleQuery(src plan.Source, limit int) string {
	if limit <= 0 {
		limit = 10
	}
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d", selectList(src.Columns), tableName(src.TableRef), limit)
}
