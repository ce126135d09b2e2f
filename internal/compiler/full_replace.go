package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/planwright/planwright/internal/plan"
)

var formatName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type fullReplace struct {
	cfg *plan.FullReplaceConfig
}

func (g fullReplace) generate(src plan.Source, tgt plan.Target) ([]statement, error) {
	if g.cfg.Conversion != nil {
		return g.convert(src, tgt)
	}

	query := fmt.Sprintf("SELECT %s\nFROM %s%s", selectList(src.Columns), tableName(src.TableRef), whereClause(g.cfg.Filter))

	switch g.cfg.Mode {
	case "", plan.FullReplaceDirect:
		return []statement{{
			body:        fmt.Sprintf("CREATE OR REPLACE TABLE %s AS\n%s", tableName(tgt.TableRef), query),
			destructive: true,
			description: "replace target contents",
		}}, nil

	case plan.FullReplaceStaging:
		target := tableName(tgt.TableRef)
		staging := tableName(siblingTable(tgt.TableRef, "_staging"))
		retired := tableName(siblingTable(tgt.TableRef, "_old"))

		var b strings.Builder
		fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s AS\n%s\n", staging, query)
		b.WriteString("-- Promote manually once the staging table has been checked:\n")
		fmt.Fprintf(&b, "-- ALTER TABLE %s RENAME TO %s;\n", target, retired)
		fmt.Fprintf(&b, "-- ALTER TABLE %s RENAME TO %s;\n", staging, target)
		fmt.Fprintf(&b, "-- DROP TABLE %s;", retired)

		return []statement{{body: b.String(), description: "build staging table for manual swap"}}, nil

	default:
		return nil, fmt.Errorf("unsupported full replace mode %q", g.cfg.Mode)
	}
}

// convert changes table properties in place when the storage format is
// unchanged, and rebuilds the table in the new format otherwise.
func (g fullReplace) convert(src plan.Source, tgt plan.Target) ([]statement, error) {
	conv := g.cfg.Conversion
	if !formatName.MatchString(conv.SourceFormat) || !formatName.MatchString(conv.TargetFormat) {
		return nil, fmt.Errorf("invalid conversion formats %q -> %q", conv.SourceFormat, conv.TargetFormat)
	}
	props := tableProperties(conv.TableProperties)
	target := tableName(tgt.TableRef)

	if strings.EqualFold(conv.SourceFormat, conv.TargetFormat) {
		if props == "" {
			return nil, fmt.Errorf("same-format conversion to %s has no table properties", conv.TargetFormat)
		}
		return []statement{{
			body:        fmt.Sprintf("ALTER TABLE %s SET TBLPROPERTIES (%s)", target, props),
			description: "update table properties in place",
		}}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE TABLE %s\nUSING %s\n", target, strings.ToUpper(conv.TargetFormat))
	if props != "" {
		fmt.Fprintf(&b, "TBLPROPERTIES (%s)\n", props)
	}
	fmt.Fprintf(&b, "AS SELECT %s\nFROM %s%s", selectList(src.Columns), tableName(src.TableRef), whereClause(g.cfg.Filter))

	return []statement{{
		body:        b.String(),
		destructive: true,
		description: fmt.Sprintf("rebuild target as %s", strings.ToUpper(conv.TargetFormat)),
	}}, nil
}

// tableProperties renders properties sorted by key.
func tableProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = %s", stringLiteral(k), stringLiteral(props[k]))
	}
	return strings.Join(parts, ", ")
}
