package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/planwright/planwright/internal/plan"
)

var formatName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// issues accumulates semantic errors with their field paths.
type issues []string

func (is *issues) add(path, format string, args ...interface{}) {
	*is = append(*is, path+": "+fmt.Sprintf(format, args...))
}

// columnSet answers membership questions against the explicit source columns.
// With no explicit columns every name is accepted, since the source schema is
// not known at validation time.
type columnSet struct {
	explicit bool
	names    map[string]bool
}

func newColumnSet(cols []string) columnSet {
	cs := columnSet{explicit: len(cols) > 0, names: make(map[string]bool, len(cols))}
	for _, c := range cols {
		cs.names[strings.ToLower(c)] = true
	}
	return cs
}

func (cs columnSet) has(col string) bool {
	return !cs.explicit || cs.names[strings.ToLower(col)]
}

func (cs columnSet) contains(col string) bool {
	return cs.explicit && cs.names[strings.ToLower(col)]
}

func semanticErrors(p *plan.Plan) []string {
	var is issues

	if !p.Pattern.Type.Known() {
		is.add("pattern.type", "unknown pattern type %q (expected one of %s)", p.Pattern.Type, joinPatterns())
		return is
	}
	if p.PatternConfig == nil {
		is.add("pattern_config", "missing configuration for pattern %s", p.Pattern.Type)
		return is
	}
	if p.PatternConfig.PatternType() != p.Pattern.Type {
		is.add("pattern_config", "configuration is for %s but pattern.type is %s", p.PatternConfig.PatternType(), p.Pattern.Type)
		return is
	}

	cols := newColumnSet(p.Source.Columns)

	switch cfg := p.PatternConfig.(type) {
	case *plan.IncrementalAppendConfig:
		checkIncrementalAppend(&is, p, cfg, cols)
	case *plan.FullReplaceConfig:
		checkFullReplace(&is, cfg)
	case *plan.MergeUpsertConfig:
		checkMergeUpsert(&is, cfg, cols)
	case *plan.SCD2Config:
		checkSCD2(&is, p, cfg, cols)
	case *plan.SnapshotConfig:
		checkSnapshot(&is, p, cfg, cols)
	case *plan.AggregateRefreshConfig:
		checkAggregateRefresh(&is, cfg, cols)
	case *plan.SurrogateKeyConfig:
		checkSurrogateKey(&is, cfg, cols)
	case *plan.DeduplicateConfig:
		checkDeduplicate(&is, cfg, cols)
	default:
		is.add("pattern_config", "unsupported configuration type %T", cfg)
	}

	return is
}

func joinPatterns() string {
	names := make([]string, len(plan.PatternTypes))
	for i, p := range plan.PatternTypes {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// requireColumns checks that a non-empty list only names known source columns.
func requireColumns(is *issues, path string, list []string, cols columnSet) {
	if len(list) == 0 {
		is.add(path, "at least one column is required")
		return
	}
	checkColumns(is, path, list, cols)
}

// checkColumns checks an optional list against the source columns.
func checkColumns(is *issues, path string, list []string, cols columnSet) {
	seen := make(map[string]bool, len(list))
	for i, c := range list {
		if strings.TrimSpace(c) == "" {
			is.add(fmt.Sprintf("%s[%d]", path, i), "column name is empty")
			continue
		}
		key := strings.ToLower(c)
		if seen[key] {
			is.add(fmt.Sprintf("%s[%d]", path, i), "duplicate column %q", c)
		}
		seen[key] = true
		if !cols.has(c) {
			is.add(fmt.Sprintf("%s[%d]", path, i), "column %q is not in source.columns", c)
		}
	}
}

func requireName(is *issues, path, value string) bool {
	if strings.TrimSpace(value) == "" {
		is.add(path, "is required")
		return false
	}
	return true
}

func checkIncrementalAppend(is *issues, p *plan.Plan, cfg *plan.IncrementalAppendConfig, cols columnSet) {
	if requireName(is, "pattern_config.watermark_column", cfg.WatermarkColumn) && !cols.has(cfg.WatermarkColumn) {
		is.add("pattern_config.watermark_column", "column %q is not in source.columns", cfg.WatermarkColumn)
	}

	switch cfg.WatermarkType {
	case "", plan.WatermarkTimestamp, plan.WatermarkDate, plan.WatermarkEpoch, plan.WatermarkInteger:
	default:
		is.add("pattern_config.watermark_type", "must be one of timestamp, date, epoch, integer (got %q)", cfg.WatermarkType)
	}

	if p.Target.WriteMode == plan.WriteModeMerge {
		requireColumns(is, "pattern_config.match_columns", cfg.MatchColumns, cols)
	} else if len(cfg.MatchColumns) > 0 {
		checkColumns(is, "pattern_config.match_columns", cfg.MatchColumns, cols)
	}

	if p.Target.WriteMode == plan.WriteModeOverwrite {
		is.add("target.write_mode", "OVERWRITE would discard rows below the watermark; use APPEND or MERGE")
	}
}

func checkFullReplace(is *issues, cfg *plan.FullReplaceConfig) {
	switch cfg.Mode {
	case "", plan.FullReplaceDirect, plan.FullReplaceStaging:
	default:
		is.add("pattern_config.mode", "must be direct or staging (got %q)", cfg.Mode)
	}

	conv := cfg.Conversion
	if conv == nil {
		return
	}
	formats := [][2]string{
		{"pattern_config.conversion.source_format", conv.SourceFormat},
		{"pattern_config.conversion.target_format", conv.TargetFormat},
	}
	for _, f := range formats {
		if requireName(is, f[0], f[1]) && !formatName.MatchString(f[1]) {
			is.add(f[0], "%q is not a storage format name", f[1])
		}
	}
	if cfg.Mode == plan.FullReplaceStaging {
		is.add("pattern_config.conversion", "format conversion cannot be combined with staging mode")
	}
	if conv.SourceFormat != "" && strings.EqualFold(conv.SourceFormat, conv.TargetFormat) && len(conv.TableProperties) == 0 {
		is.add("pattern_config.conversion.table_properties", "same-format conversion needs at least one table property to change")
	}
	for k := range conv.TableProperties {
		if strings.TrimSpace(k) == "" {
			is.add("pattern_config.conversion.table_properties", "property name is empty")
		}
	}
}

func checkMergeUpsert(is *issues, cfg *plan.MergeUpsertConfig, cols columnSet) {
	requireColumns(is, "pattern_config.merge_keys", cfg.MergeKeys, cols)
	checkColumns(is, "pattern_config.update_columns", cfg.UpdateColumns, cols)
	for i, c := range cfg.UpdateColumns {
		if containsFold(cfg.MergeKeys, c) {
			is.add(fmt.Sprintf("pattern_config.update_columns[%d]", i), "merge key %q cannot be updated", c)
		}
	}
}

func checkSCD2(is *issues, p *plan.Plan, cfg *plan.SCD2Config, cols columnSet) {
	if !cols.explicit {
		is.add("source.columns", "SCD2 requires an explicit column list so every tracked column can be named")
	}
	requireColumns(is, "pattern_config.business_keys", cfg.BusinessKeys, cols)

	effective := requireName(is, "pattern_config.effective_date_column", cfg.EffectiveDateColumn)
	end := requireName(is, "pattern_config.end_date_column", cfg.EndDateColumn)

	if len(cfg.CompareColumns) > 0 {
		checkColumns(is, "pattern_config.compare_columns", cfg.CompareColumns, cols)
		for i, c := range cfg.CompareColumns {
			if containsFold(cfg.BusinessKeys, c) {
				is.add(fmt.Sprintf("pattern_config.compare_columns[%d]", i), "business key %q cannot be a compare column", c)
			}
		}
	} else if cols.explicit && len(nonKeyColumns(p.Source.Columns, cfg.BusinessKeys)) == 0 {
		is.add("source.columns", "SCD2 needs at least one tracked column besides the business keys")
	}

	flag := cfg.CurrentFlagColumn
	if flag == "" {
		flag = plan.DefaultCurrentFlagColumn
	}
	housekeeping := map[string]string{
		"pattern_config.current_flag_column": flag,
	}
	if effective {
		housekeeping["pattern_config.effective_date_column"] = cfg.EffectiveDateColumn
	}
	if end {
		housekeeping["pattern_config.end_date_column"] = cfg.EndDateColumn
	}
	for _, path := range sortedKeys(housekeeping) {
		name := housekeeping[path]
		if cols.contains(name) {
			is.add(path, "column %q collides with a source column", name)
		}
	}
	if effective && end && strings.EqualFold(cfg.EffectiveDateColumn, cfg.EndDateColumn) {
		is.add("pattern_config.end_date_column", "must differ from effective_date_column")
	}

	if cfg.EndDateDefault != "" && !validDateLiteral(cfg.EndDateDefault) {
		is.add("pattern_config.end_date_default", "must be formatted as YYYY-MM-DD or YYYY-MM-DD HH:MM:SS (got %q)", cfg.EndDateDefault)
	}
}

func checkSnapshot(is *issues, p *plan.Plan, cfg *plan.SnapshotConfig, cols columnSet) {
	if requireName(is, "pattern_config.snapshot_date_column", cfg.SnapshotDateColumn) && cols.contains(cfg.SnapshotDateColumn) {
		is.add("pattern_config.snapshot_date_column", "column %q collides with a source column", cfg.SnapshotDateColumn)
	}
	if len(cfg.PartitionColumns) > 0 {
		if !cols.explicit {
			is.add("source.columns", "partition_columns require an explicit source column list")
		}
		checkColumns(is, "pattern_config.partition_columns", cfg.PartitionColumns, cols)
	}
	if p.Target.WriteMode == plan.WriteModeOverwrite {
		is.add("target.write_mode", "snapshots are append-only; OVERWRITE would discard prior snapshots")
	}
}

func checkAggregateRefresh(is *issues, cfg *plan.AggregateRefreshConfig, cols columnSet) {
	requireColumns(is, "pattern_config.group_by_columns", cfg.GroupByColumns, cols)
	if len(cfg.Aggregations) == 0 {
		is.add("pattern_config.aggregations", "at least one aggregation is required")
	}

	aliases := make(map[string]bool)
	for _, g := range cfg.GroupByColumns {
		aliases[strings.ToLower(g)] = true
	}
	for i, agg := range cfg.Aggregations {
		path := fmt.Sprintf("pattern_config.aggregations[%d]", i)
		fn := strings.ToUpper(agg.Function)
		if !slices.Contains(plan.AggregateFunctions, fn) {
			is.add(path+".function", "must be one of %s (got %q)", strings.Join(plan.AggregateFunctions, ", "), agg.Function)
		}
		if agg.Column == "" && fn != "COUNT" {
			is.add(path+".column", "is required for %s", fn)
		} else if agg.Column != "" && agg.Column != "*" && !cols.has(agg.Column) {
			is.add(path+".column", "column %q is not in source.columns", agg.Column)
		}
		if requireName(is, path+".alias", agg.Alias) {
			key := strings.ToLower(agg.Alias)
			if aliases[key] {
				is.add(path+".alias", "duplicate output column %q", agg.Alias)
			}
			aliases[key] = true
		}
	}
}

func checkSurrogateKey(is *issues, cfg *plan.SurrogateKeyConfig, cols columnSet) {
	if requireName(is, "pattern_config.key_column", cfg.KeyColumn) && cols.contains(cfg.KeyColumn) {
		is.add("pattern_config.key_column", "column %q collides with a source column", cfg.KeyColumn)
	}
	requireColumns(is, "pattern_config.business_keys", cfg.BusinessKeys, cols)
	switch cfg.KeyStrategy {
	case "", plan.KeyStrategyRowNumber, plan.KeyStrategyHash:
	default:
		is.add("pattern_config.key_strategy", "must be row_number or hash (got %q)", cfg.KeyStrategy)
	}
}

func checkDeduplicate(is *issues, cfg *plan.DeduplicateConfig, cols columnSet) {
	switch cfg.Strategy {
	case "", plan.DedupWindow:
		requireColumns(is, "pattern_config.key_columns", cfg.KeyColumns, cols)
		if requireName(is, "pattern_config.order_by_column", cfg.OrderByColumn) && !cols.has(cfg.OrderByColumn) {
			is.add("pattern_config.order_by_column", "column %q is not in source.columns", cfg.OrderByColumn)
		}
	case plan.DedupRowHash:
		if !cols.explicit {
			is.add("source.columns", "row_hash deduplication requires an explicit source column list")
		}
	default:
		is.add("pattern_config.strategy", "must be window or row_hash (got %q)", cfg.Strategy)
	}

	switch strings.ToUpper(cfg.OrderDirection) {
	case "", "ASC", "DESC":
	default:
		is.add("pattern_config.order_direction", "must be ASC or DESC (got %q)", cfg.OrderDirection)
	}
}

func validDateLiteral(s string) bool {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func nonKeyColumns(cols, keys []string) []string {
	var out []string
	for _, c := range cols {
		if !containsFold(keys, c) {
			out = append(out, c)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
