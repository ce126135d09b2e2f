// Package service wires validation, compilation, guardrails and execution
// into the operations the CLI exposes. Every preview and every execution
// passes the guardrail analyzer; there is no option to skip it.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/compiler"
	"github.com/planwright/planwright/internal/executor"
	"github.com/planwright/planwright/internal/guardrails"
	"github.com/planwright/planwright/internal/plan"
	"github.com/planwright/planwright/internal/validation"
)

// PlanRegistry returns saved plan revisions. Version 0 means the latest.
type PlanRegistry interface {
	GetPlan(ctx context.Context, planID string, version int) (*plan.Plan, error)
}

// Sampler runs read-only queries for previews.
type Sampler interface {
	Query(ctx context.Context, warehouseID, stmt string) ([]map[string]any, error)
}

// Runner executes compiled plans.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Execution, error)
}

// ErrNoRunner is returned by Execute when the service has no warehouse
// connection configured.
var ErrNoRunner = errors.New("no warehouse configured for execution")

// Service is safe for concurrent use.
type Service struct {
	compiler          *compiler.Compiler
	registry          PlanRegistry
	runner            Runner
	sampler           Sampler
	allowCrossCatalog bool
	sampleRows        int
	now               func() time.Time
	log               *zap.Logger
}

type Option func(*Service)

func WithRegistry(r PlanRegistry) Option { return func(s *Service) { s.registry = r } }

func WithRunner(r Runner) Option { return func(s *Service) { s.runner = r } }

func WithSampler(sm Sampler) Option { return func(s *Service) { s.sampler = sm } }

// WithAllowCrossCatalog permits writes into a catalog other than the plan's
// source catalog.
func WithAllowCrossCatalog(allow bool) Option {
	return func(s *Service) { s.allowCrossCatalog = allow }
}

func WithSampleRows(n int) Option { return func(s *Service) { s.sampleRows = n } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(opts ...Option) *Service {
	s := &Service{
		sampleRows: 10,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("service")
	s.compiler = compiler.New(s.log)
	return s
}

// LoadPlan fetches a saved revision from the registry.
func (s *Service) LoadPlan(ctx context.Context, ref plan.Ref) (*plan.Plan, error) {
	if s.registry == nil {
		return nil, errors.New("no plan registry configured")
	}
	p, err := s.registry.GetPlan(ctx, ref.PlanID, ref.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", ref.PlanID, err)
	}
	return p, nil
}

// Compile validates p and compiles it. An invalid plan yields a
// *validation.Error.
func (s *Service) Compile(p *plan.Plan) (*compiler.Compiled, error) {
	if err := validation.Validate(p).Err(); err != nil {
		return nil, err
	}
	return s.compiler.Compile(p)
}

// Check runs the guardrails over compiled statements.
func (s *Service) Check(c *compiler.Compiled) guardrails.Report {
	return guardrails.AnalyzeCompiled(c, guardrails.Options{AllowCrossCatalog: s.allowCrossCatalog})
}

// PreviewOptions controls what a preview fetches.
type PreviewOptions struct {
	// SkipSample suppresses the source sample query. The guardrail check
	// always runs.
	SkipSample bool
}

// Preview is everything shown to a user before executing a plan.
type Preview struct {
	Compiled *compiler.Compiled `json:"compiled"`
	// Statements are the compiled statements with generated_at filled in.
	Statements  []compiler.CompiledStatement `json:"statements"`
	Guardrails  guardrails.Report            `json:"guardrails"`
	SampleQuery string                       `json:"sample_query,omitempty"`
	Sample      []map[string]any             `json:"sample,omitempty"`
	SampleError string                       `json:"sample_error,omitempty"`
}

// Preview compiles and checks p and optionally samples its source. When the
// guardrails block, the preview is returned together with a
// *guardrails.BlockedError and no sample is fetched.
func (s *Service) Preview(ctx context.Context, p *plan.Plan, opts PreviewOptions) (*Preview, error) {
	compiled, err := s.Compile(p)
	if err != nil {
		return nil, err
	}

	preview := &Preview{
		Compiled:   compiled,
		Statements: compiler.Stamp(compiled.Statements, s.now()),
		Guardrails: s.Check(compiled),
	}
	if err := preview.Guardrails.Err(); err != nil {
		s.logBlocked(compiled, preview.Guardrails)
		return preview, err
	}

	if opts.SkipSample || s.sampler == nil {
		return preview, nil
	}

	preview.SampleQuery = compiler.SampleQuery(p.Source, s.sampleRows)
	rows, err := s.sampler.Query(ctx, p.Execution.WarehouseID, preview.SampleQuery)
	if err != nil {
		// A failed sample does not invalidate the preview.
		s.log.Warn("failed to fetch preview sample",
			zap.String("plan_id", compiled.PlanID),
			zap.Error(err),
		)
		preview.SampleError = err.Error()
		return preview, nil
	}
	preview.Sample = rows
	return preview, nil
}

// ExecuteOptions carries per-run settings.
type ExecuteOptions struct {
	InitiatedBy string
	ExecutionID string
	// Timeout overrides execution_config.timeout_seconds when positive.
	Timeout time.Duration
	OnEvent func(executor.Event)
}

// Execute validates, compiles and checks p, then runs it. Guardrail
// violations stop the run before anything is submitted.
func (s *Service) Execute(ctx context.Context, p *plan.Plan, opts ExecuteOptions) (*executor.Execution, error) {
	if s.runner == nil {
		return nil, ErrNoRunner
	}

	compiled, err := s.Compile(p)
	if err != nil {
		return nil, err
	}

	report := s.Check(compiled)
	if err := report.Err(); err != nil {
		s.logBlocked(compiled, report)
		return nil, err
	}

	s.log.Info("executing plan",
		zap.String("plan_id", compiled.PlanID),
		zap.Int("plan_version", compiled.PlanVersion),
		zap.String("initiated_by", opts.InitiatedBy),
		zap.String("content_hash", compiled.ContentHash),
	)
	return s.runner.Execute(ctx, executor.Request{
		Compiled:    compiled,
		Config:      p.Execution,
		Timeout:     opts.Timeout,
		InitiatedBy: opts.InitiatedBy,
		ExecutionID: opts.ExecutionID,
		OnEvent:     opts.OnEvent,
	})
}

// ExecuteSaved loads a saved revision and executes it.
func (s *Service) ExecuteSaved(ctx context.Context, ref plan.Ref, opts ExecuteOptions) (*executor.Execution, error) {
	p, err := s.LoadPlan(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, p, opts)
}

func (s *Service) logBlocked(c *compiler.Compiled, report guardrails.Report) {
	rules := make([]string, len(report.Violations))
	for i, v := range report.Violations {
		rules[i] = v.String()
	}
	s.log.Warn("blocked by guardrails",
		zap.String("plan_id", c.PlanID),
		zap.Int("plan_version", c.PlanVersion),
		zap.Strings("violations", rules),
	)
}
