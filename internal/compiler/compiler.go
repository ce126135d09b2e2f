// Package compiler turns a validated plan into the ordered SQL statements that
// implement its pattern.
//
// Compilation is a pure function of the plan: the same plan content always
// yields byte-identical statements. The only time-dependent part of the output
// is the generated_at header field, which is emitted as a placeholder and
// filled in later by Stamp.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/plan"
)

// CompiledStatement is one entry of a compiled plan. StatementNumber is
// 1-indexed and order is significant.
type CompiledStatement struct {
	StatementNumber int    `json:"statement_number"`
	SQL             string `json:"sql_text"`
	IsDestructive   bool   `json:"is_destructive"`
	Description     string `json:"description,omitempty"`
}

// Compiled is the result of compiling one plan revision.
type Compiled struct {
	PlanID        string              `json:"plan_id"`
	PlanVersion   int                 `json:"plan_version"`
	Pattern       plan.PatternType    `json:"pattern"`
	SourceCatalog string              `json:"source_catalog"`
	Statements    []CompiledStatement `json:"statements"`
	// ContentHash covers the statement texts (unstamped).
	ContentHash string `json:"content_hash"`
	// PlanHash is the canonical hash of the plan that produced the statements.
	PlanHash string `json:"plan_hash"`
}

// SQL returns the statement texts in order.
func (c *Compiled) SQL() []string {
	out := make([]string, len(c.Statements))
	for i, s := range c.Statements {
		out[i] = s.SQL
	}
	return out
}

// statement is what a generator produces before headers and numbering.
type statement struct {
	body        string
	destructive bool
	description string
}

// generator is implemented once per pattern.
type generator interface {
	generate(src plan.Source, tgt plan.Target) ([]statement, error)
}

// Compiler compiles plans. The zero value is not usable; use New.
type Compiler struct {
	log *zap.Logger
}

// New returns a Compiler that logs compilation defects to log.
func New(log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{log: log.Named("compiler")}
}

// Compile compiles p with a Compiler that does not log.
func Compile(p *plan.Plan) (*Compiled, error) {
	return New(nil).Compile(p)
}

// Compile dispatches p to its pattern generator and assembles the numbered,
// header-prefixed statements. The plan is expected to have passed validation;
// anything a generator cannot handle is reported as a *CompilationError.
func (c *Compiler) Compile(p *plan.Plan) (*Compiled, error) {
	if p == nil {
		return nil, c.fail(nil, "plan is nil")
	}

	gen, err := generatorFor(p)
	if err != nil {
		return nil, c.fail(p, err.Error())
	}

	stmts, err := gen.generate(p.Source, p.Target)
	if err != nil {
		return nil, c.fail(p, err.Error())
	}
	if len(stmts) == 0 {
		return nil, c.fail(p, "generator produced no statements")
	}

	planHash, err := p.ContentHash()
	if err != nil {
		return nil, c.fail(p, err.Error())
	}

	out := &Compiled{
		PlanID:        p.Metadata.PlanID,
		PlanVersion:   p.Metadata.Version,
		Pattern:       p.Pattern.Type,
		SourceCatalog: p.Source.Catalog,
		Statements:    make([]CompiledStatement, len(stmts)),
		PlanHash:      planHash,
	}
	for i, s := range stmts {
		h := header{
			planID:      p.Metadata.PlanID,
			planVersion: p.Metadata.Version,
			pattern:     p.Pattern.Type,
			number:      i + 1,
			total:       len(stmts),
			description: s.description,
		}
		out.Statements[i] = CompiledStatement{
			StatementNumber: i + 1,
			SQL:             h.String() + s.body,
			IsDestructive:   s.destructive,
			Description:     s.description,
		}
	}
	out.ContentHash = statementsHash(out.Statements)

	return out, nil
}

func (c *Compiler) fail(p *plan.Plan, msg string) error {
	err := &CompilationError{Message: msg}
	fields := []zap.Field{zap.String("reason", msg)}
	if p != nil {
		err.PlanID = p.Metadata.PlanID
		err.PlanVersion = p.Metadata.Version
		err.Pattern = p.Pattern.Type
		fields = append(fields,
			zap.String("plan_id", p.Metadata.PlanID),
			zap.Int("plan_version", p.Metadata.Version),
			zap.String("pattern", string(p.Pattern.Type)),
			zap.String("source", p.Source.FullName()),
			zap.String("target", p.Target.FullName()),
			zap.String("write_mode", string(p.Target.WriteMode)),
			zap.Any("pattern_config", p.PatternConfig),
		)
	}
	c.log.Error("compilation failed", fields...)
	return err
}

// generatorFor selects the generator for the plan's pattern config. The switch
// covers every implementation of plan.PatternConfig.
func generatorFor(p *plan.Plan) (generator, error) {
	if p.PatternConfig == nil {
		return nil, fmt.Errorf("no pattern_config decoded for pattern %q", p.Pattern.Type)
	}
	if p.PatternConfig.PatternType() != p.Pattern.Type {
		return nil, fmt.Errorf("pattern_config is for %s but pattern.type is %s", p.PatternConfig.PatternType(), p.Pattern.Type)
	}

	switch cfg := p.PatternConfig.(type) {
	case *plan.IncrementalAppendConfig:
		return incrementalAppend{cfg}, nil
	case *plan.FullReplaceConfig:
		return fullReplace{cfg}, nil
	case *plan.MergeUpsertConfig:
		return mergeUpsert{cfg}, nil
	case *plan.SCD2Config:
		return scd2{cfg}, nil
	case *plan.SnapshotConfig:
		return snapshot{cfg}, nil
	case *plan.AggregateRefreshConfig:
		return aggregateRefresh{cfg}, nil
	case *plan.SurrogateKeyConfig:
		return surrogateKey{cfg}, nil
	case *plan.DeduplicateConfig:
		return deduplicate{cfg}, nil
	default:
		return nil, fmt.Errorf("no generator for pattern config %T", cfg)
	}
}

// statementsHash hashes statement numbers and texts in order.
func statementsHash(stmts []CompiledStatement) string {
	h := sha256.New()
	for _, s := range stmts {
		fmt.Fprintf(h, "%d", s.StatementNumber)
		h.Write([]byte{0})
		h.Write([]byte(s.SQL))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
