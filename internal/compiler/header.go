package compiler

import (
	"fmt"
	"strings"
	"time"

	"github.com/planwright/planwright/internal/plan"
)

// GeneratedAtPlaceholder marks where Stamp writes the generation time.
const GeneratedAtPlaceholder = "{{generated_at}}"

const generatedAtPrefix = "-- generated_at: "

type header struct {
	planID      string
	planVersion int
	pattern     plan.PatternType
	number      int
	total       int
	description string
}

func (h header) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- plan_id: %s\n", commentSafe(h.planID))
	fmt.Fprintf(&b, "-- plan_version: %d\n", h.planVersion)
	fmt.Fprintf(&b, "-- pattern: %s\n", commentSafe(string(h.pattern)))
	b.WriteString(generatedAtPrefix + GeneratedAtPlaceholder + "\n")
	if h.description != "" {
		fmt.Fprintf(&b, "-- statement: %d of %d (%s)\n", h.number, h.total, h.description)
	} else {
		fmt.Fprintf(&b, "-- statement: %d of %d\n", h.number, h.total)
	}
	return b.String()
}

// commentSafe keeps a value on one comment line.
func commentSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Stamp returns copies of stmts with the generated_at header filled in.
// Only the header line is touched; the executable text is unchanged.
func Stamp(stmts []CompiledStatement, at time.Time) []CompiledStatement {
	ts := at.UTC().Format(time.RFC3339)
	out := make([]CompiledStatement, len(stmts))
	for i, s := range stmts {
		s.SQL = strings.Replace(s.SQL, generatedAtPrefix+GeneratedAtPlaceholder, generatedAtPrefix+ts, 1)
		out[i] = s
	}
	return out
}

// StripHeader returns the statement text without its leading comment block.
func StripHeader(sql string) string {
	lines := strings.SplitAfter(sql, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "-- ") {
		i++
	}
	return strings.Join(lines[i:], "")
}
