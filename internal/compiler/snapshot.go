package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

type snapshot struct {
	cfg *plan.SnapshotConfig
}

// generate appends today's copy of the source. Re-running on the same day is a
// no-op because of the NOT EXISTS guard, and earlier snapshots are never
// touched.
func (g snapshot) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	if g.cfg.SnapshotDateColumn == "" {
		return nil, errors.New("snapshot requires snapshot_date_column")
	}

	target := tableName(tgt.TableRef)
	snap := quoteIdent(g.cfg.SnapshotDateColumn)

	var b strings.Builder
	if len(src.Columns) == 0 {
		fmt.Fprintf(&b, "INSERT INTO %s\n", target)
		fmt.Fprintf(&b, "SELECT *, current_date() AS %s\n", snap)
	} else {
		// Partition columns go last, after the snapshot date.
		data := without(src.Columns, g.cfg.PartitionColumns)
		insertCols := append(append(append([]string{}, data...), g.cfg.SnapshotDateColumn), g.cfg.PartitionColumns...)

		selectCols := []string{}
		if len(data) > 0 {
			selectCols = append(selectCols, columnList(data))
		}
		selectCols = append(selectCols, "current_date() AS "+snap)
		if len(g.cfg.PartitionColumns) > 0 {
			selectCols = append(selectCols, columnList(g.cfg.PartitionColumns))
		}

		fmt.Fprintf(&b, "INSERT INTO %s (%s)\n", target, columnList(insertCols))
		fmt.Fprintf(&b, "SELECT %s\n", strings.Join(selectCols, ", "))
	}
	fmt.Fprintf(&b, "FROM %s\n", tableName(src.TableRef))
	fmt.Fprintf(&b, "WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = current_date())", target, snap)

	return []statement{{body: b.String(), description: "append today's snapshot"}}, nil
}
