package compiler

import (
	"fmt"

	"github.com/planwright/planwright/internal/plan"
)

// CompilationError reports a plan the compiler could not handle even though
// it is expected to have passed validation. It indicates a defect rather than
// a user mistake.
type CompilationError struct {
	PlanID      string
	PlanVersion int
	Pattern     plan.PatternType
	Message     string
}

func (e *CompilationError) Error() string {
	if e.PlanID == "" {
		return "compilation failed: " + e.Message
	}
	return fmt.Sprintf("compilation of %s v%d (%s) failed: %s", e.PlanID, e.PlanVersion, e.Pattern, e.Message)
}
