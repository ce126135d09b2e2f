// Package validation checks plan documents before they are compiled.
//
// Validation runs in two passes. The structural pass checks the document
// against the embedded JSON Schema (required fields, types, enum membership for
// the pattern selector and write mode). The semantic pass applies rules that
// depend on the selected pattern, such as SCD2 requiring business keys and an
// explicit source column list.
//
// Errors are flat, human-readable strings prefixed with the field path they
// refer to. Validation never mutates the plan.
package validation

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/planwright/planwright/internal/plan"
)

//go:embed plan.schema.json
var planSchemaJSON []byte

var (
	schemaOnce sync.Once
	planSchema *gojsonschema.Schema
	schemaErr  error
)

// Result is the outcome of validating a plan.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err returns an *Error when the result is invalid, nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Errors: r.Errors}
}

// Error reports every validation failure of a plan.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	if len(e.Errors) == 1 {
		return "plan validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("plan validation failed with %d errors:\n  - %s", len(e.Errors), strings.Join(e.Errors, "\n  - "))
}

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		planSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(planSchemaJSON))
	})
	return planSchema, schemaErr
}

// ValidateDocument validates a raw JSON plan document. When the document is
// structurally valid it is parsed and the parsed plan is returned alongside
// the result so callers do not decode it twice.
func ValidateDocument(doc []byte) (Result, *plan.Plan) {
	errs := structuralErrors(doc)
	if len(errs) > 0 {
		return newResult(errs), nil
	}

	p, err := plan.Parse(doc)
	if err != nil {
		var fe *plan.FieldError
		if errors.As(err, &fe) {
			return newResult([]string{fmt.Sprintf("%s: %v", fe.Path, fe.Err)}), nil
		}
		return newResult([]string{"(root): " + err.Error()}), nil
	}

	return newResult(semanticErrors(p)), p
}

// Validate validates a decoded plan.
func Validate(p *plan.Plan) Result {
	if p == nil {
		return newResult([]string{"(root): plan is empty"})
	}

	doc, err := json.Marshal(p)
	if err != nil {
		return newResult([]string{fmt.Sprintf("(root): failed to encode plan: %v", err)})
	}

	errs := structuralErrors(doc)
	if len(errs) > 0 {
		return newResult(errs)
	}
	return newResult(semanticErrors(p))
}

func newResult(errs []string) Result {
	if errs == nil {
		errs = []string{}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// structuralErrors checks the document against the JSON Schema.
func structuralErrors(doc []byte) []string {
	schema, err := loadSchema()
	if err != nil {
		return []string{fmt.Sprintf("(root): plan schema failed to load: %v", err)}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return []string{fmt.Sprintf("(root): document is not valid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errs
}
