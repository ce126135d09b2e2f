package plan

import (
	"strings"
	"time"
)

// CurrentSchemaVersion is the plan document format this build understands.
const CurrentSchemaVersion = "1.0"

// PatternType selects the transformation strategy of a plan.
type PatternType string

const (
	PatternIncrementalAppend PatternType = "INCREMENTAL_APPEND"
	PatternFullReplace       PatternType = "FULL_REPLACE"
	PatternMergeUpsert       PatternType = "MERGE_UPSERT"
	PatternSCD2              PatternType = "SCD2"
	PatternSnapshot          PatternType = "SNAPSHOT"
	PatternAggregateRefresh  PatternType = "AGGREGATE_REFRESH"
	PatternSurrogateKey      PatternType = "SURROGATE_KEY"
	PatternDeduplicate       PatternType = "DEDUPLICATE"
)

// PatternTypes lists every supported pattern, in documentation order.
var PatternTypes = []PatternType{
	PatternIncrementalAppend,
	PatternFullReplace,
	PatternMergeUpsert,
	PatternSCD2,
	PatternSnapshot,
	PatternAggregateRefresh,
	PatternSurrogateKey,
	PatternDeduplicate,
}

// Known reports whether p is one of the supported patterns.
func (p PatternType) Known() bool {
	for _, known := range PatternTypes {
		if p == known {
			return true
		}
	}
	return false
}

// WriteMode describes how the target table is written.
type WriteMode string

const (
	WriteModeAppend    WriteMode = "APPEND"
	WriteModeOverwrite WriteMode = "OVERWRITE"
	WriteModeMerge     WriteMode = "MERGE"
)

// WriteModes lists every supported write mode.
var WriteModes = []WriteMode{WriteModeAppend, WriteModeOverwrite, WriteModeMerge}

// Plan is a versioned, declarative source-to-target transformation.
// A saved plan is immutable; a revision is saved under a new version.
type Plan struct {
	SchemaVersion string          `json:"schema_version"`
	Metadata      Metadata        `json:"plan_metadata"`
	Pattern       PatternSelector `json:"pattern"`
	Source        Source          `json:"source"`
	Target        Target          `json:"target"`
	// PatternConfig is nil when the pattern type is unknown; the raw document
	// is kept so validation can report it.
	PatternConfig PatternConfig   `json:"-"`
	Execution     ExecutionConfig `json:"execution_config"`

	rawPatternConfig []byte
}

// Metadata identifies a plan revision.
type Metadata struct {
	PlanID      string    `json:"plan_id"`
	PlanName    string    `json:"plan_name"`
	Owner       string    `json:"owner"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// PatternSelector names the pattern variant.
type PatternSelector struct {
	Type PatternType `json:"type"`
}

// TableRef is a three-part catalog.schema.table name.
type TableRef struct {
	Catalog string `json:"catalog"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
}

// FullName returns the dotted name without quoting.
func (t TableRef) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Catalog, t.Schema, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Source is the table a plan reads from.
type Source struct {
	TableRef
	// Columns is the explicit column list; empty means "all columns".
	Columns []string `json:"columns,omitempty"`
}

// Target is the table a plan writes to.
type Target struct {
	TableRef
	WriteMode WriteMode `json:"write_mode"`
}

// ExecutionConfig controls how compiled statements run on the warehouse.
type ExecutionConfig struct {
	WarehouseID    string `json:"warehouse_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// Timeout returns the per-statement timeout as a duration.
func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Ref identifies a plan revision. Version 0 means "latest".
type Ref struct {
	PlanID  string
	Version int
}
