package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PatternConfig is the variant-specific part of a plan. The set of
// implementations is closed: only types in this package satisfy it.
type PatternConfig interface {
	PatternType() PatternType
	sealed()
}

// WatermarkType selects the sentinel used when the target is empty.
type WatermarkType string

const (
	WatermarkTimestamp WatermarkType = "timestamp"
	WatermarkDate      WatermarkType = "date"
	WatermarkEpoch     WatermarkType = "epoch"
	WatermarkInteger   WatermarkType = "integer"
)

// IncrementalAppendConfig loads rows newer than the target's high watermark.
type IncrementalAppendConfig struct {
	WatermarkColumn string        `json:"watermark_column"`
	WatermarkType   WatermarkType `json:"watermark_type,omitempty"`
	// MatchColumns key the MERGE used when the target write mode is MERGE.
	MatchColumns []string `json:"match_columns,omitempty"`
	Filter       string   `json:"filter,omitempty"`
}

// FullReplaceMode selects direct replacement or a staged swap.
type FullReplaceMode string

const (
	FullReplaceDirect  FullReplaceMode = "direct"
	FullReplaceStaging FullReplaceMode = "staging"
)

// FullReplaceConfig rebuilds the target from the source.
type FullReplaceConfig struct {
	Mode       FullReplaceMode   `json:"mode,omitempty"`
	Filter     string            `json:"filter,omitempty"`
	Conversion *FormatConversion `json:"conversion,omitempty"`
}

// FormatConversion describes a storage format or table property change.
type FormatConversion struct {
	SourceFormat    string            `json:"source_format"`
	TargetFormat    string            `json:"target_format"`
	TableProperties map[string]string `json:"table_properties,omitempty"`
}

// MergeUpsertConfig upserts source rows into the target.
type MergeUpsertConfig struct {
	MergeKeys []string `json:"merge_keys"`
	// UpdateColumns defaults to every non-key source column.
	UpdateColumns []string `json:"update_columns,omitempty"`
}

// SCD2Config tracks row history with effective/end dates and a current flag.
type SCD2Config struct {
	BusinessKeys []string `json:"business_keys"`
	// CompareColumns defaults to every non-key source column.
	CompareColumns      []string `json:"compare_columns,omitempty"`
	EffectiveDateColumn string   `json:"effective_date_column"`
	EndDateColumn       string   `json:"end_date_column"`
	CurrentFlagColumn   string   `json:"current_flag_column,omitempty"`
	EndDateDefault      string   `json:"end_date_default,omitempty"`
}

// Defaults for SCD2 columns that may be omitted from a plan.
const (
	DefaultCurrentFlagColumn = "is_current"
	DefaultEndDateDefault    = "9999-12-31 23:59:59"
)

// SnapshotConfig appends the full source as a dated snapshot.
type SnapshotConfig struct {
	SnapshotDateColumn string   `json:"snapshot_date_column"`
	PartitionColumns   []string `json:"partition_columns,omitempty"`
}

// Aggregation is one aggregate output column.
type Aggregation struct {
	Function string `json:"function"`
	Column   string `json:"column"`
	Alias    string `json:"alias"`
}

// AggregateFunctions lists the accepted aggregate function names.
var AggregateFunctions = []string{"SUM", "COUNT", "COUNT_DISTINCT", "AVG", "MIN", "MAX"}

// AggregateRefreshConfig recomputes a grouped aggregate table.
type AggregateRefreshConfig struct {
	GroupByColumns []string      `json:"group_by_columns"`
	Aggregations   []Aggregation `json:"aggregations"`
	Filter         string        `json:"filter,omitempty"`
	Having         string        `json:"having,omitempty"`
}

// KeyStrategy selects how surrogate keys are produced.
type KeyStrategy string

const (
	KeyStrategyRowNumber KeyStrategy = "row_number"
	KeyStrategyHash      KeyStrategy = "hash"
)

// SurrogateKeyConfig inserts new business keys with generated surrogate keys.
type SurrogateKeyConfig struct {
	KeyColumn    string      `json:"key_column"`
	BusinessKeys []string    `json:"business_keys"`
	KeyStrategy  KeyStrategy `json:"key_strategy,omitempty"`
}

// DedupStrategy selects how duplicates are identified.
type DedupStrategy string

const (
	DedupWindow  DedupStrategy = "window"
	DedupRowHash DedupStrategy = "row_hash"
)

// DeduplicateConfig rebuilds the target with duplicates removed.
type DeduplicateConfig struct {
	Strategy       DedupStrategy `json:"strategy,omitempty"`
	KeyColumns     []string      `json:"key_columns,omitempty"`
	OrderByColumn  string        `json:"order_by_column,omitempty"`
	OrderDirection string        `json:"order_direction,omitempty"`
}

func (*IncrementalAppendConfig) PatternType() PatternType { return PatternIncrementalAppend }
func (*FullReplaceConfig) PatternType() PatternType       { return PatternFullReplace }
func (*MergeUpsertConfig) PatternType() PatternType       { return PatternMergeUpsert }
func (*SCD2Config) PatternType() PatternType              { return PatternSCD2 }
func (*SnapshotConfig) PatternType() PatternType          { return PatternSnapshot }
func (*AggregateRefreshConfig) PatternType() PatternType  { return PatternAggregateRefresh }
func (*SurrogateKeyConfig) PatternType() PatternType      { return PatternSurrogateKey }
func (*DeduplicateConfig) PatternType() PatternType       { return PatternDeduplicate }

func (*IncrementalAppendConfig) sealed() {}
func (*FullReplaceConfig) sealed()       {}
func (*MergeUpsertConfig) sealed()       {}
func (*SCD2Config) sealed()              {}
func (*SnapshotConfig) sealed()          {}
func (*AggregateRefreshConfig) sealed()  {}
func (*SurrogateKeyConfig) sealed()      {}
func (*DeduplicateConfig) sealed()       {}

// newPatternConfig returns an empty config for the pattern, or nil if the
// pattern is unknown.
func newPatternConfig(p PatternType) PatternConfig {
	switch p {
	case PatternIncrementalAppend:
		return &IncrementalAppendConfig{}
	case PatternFullReplace:
		return &FullReplaceConfig{}
	case PatternMergeUpsert:
		return &MergeUpsertConfig{}
	case PatternSCD2:
		return &SCD2Config{}
	case PatternSnapshot:
		return &SnapshotConfig{}
	case PatternAggregateRefresh:
		return &AggregateRefreshConfig{}
	case PatternSurrogateKey:
		return &SurrogateKeyConfig{}
	case PatternDeduplicate:
		return &DeduplicateConfig{}
	default:
		return nil
	}
}

// DecodePatternConfig decodes raw pattern_config JSON for the given pattern.
// Unknown fields are rejected so a config written for one pattern cannot be
// silently accepted by another.
func DecodePatternConfig(p PatternType, raw []byte) (PatternConfig, error) {
	cfg := newPatternConfig(p)
	if cfg == nil {
		return nil, fmt.Errorf("unknown pattern type %q", p)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid pattern_config for %s: %w", p, err)
	}
	return cfg, nil
}
