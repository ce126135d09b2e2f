package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/planwright/planwright/internal/executor"
	"github.com/planwright/planwright/internal/guardrails"
	"github.com/planwright/planwright/internal/plan"
	"github.com/planwright/planwright/internal/store"
	"github.com/planwright/planwright/internal/validation"
)

func loadPlan(t *testing.T, name string) *plan.Plan {
	t.Helper()
	p, _, err := plan.Load(filepath.Join("..", "plan", "testdata", name))
	require.NoError(t, err)
	return p
}

type fakeSampler struct {
	calls []string
	rows  []map[string]any
	err   error
}

func (f *fakeSampler) Query(_ context.Context, warehouseID, stmt string) ([]map[string]any, error) {
	f.calls = append(f.calls, warehouseID+": "+stmt)
	return f.rows, f.err
}

type fakeRunner struct {
	requests []executor.Request
}

func (f *fakeRunner) Execute(_ context.Context, req executor.Request) (*executor.Execution, error) {
	f.requests = append(f.requests, req)
	return &executor.Execution{ID: "exec-1", Status: executor.StatusSucceeded}, nil
}

type fakeRegistry map[string]*plan.Plan

func (f fakeRegistry) GetPlan(_ context.Context, id string, version int) (*plan.Plan, error) {
	p, ok := f[fmt.Sprintf("%s@%d", id, version)]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	return p, nil
}

var fixedNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func TestCompileRejectsInvalidPlan(t *testing.T) {
	s := New()
	p := loadPlan(t, "incremental.json")
	p.PatternConfig = &plan.IncrementalAppendConfig{}

	_, err := s.Compile(p)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Errors)
}

func TestPreviewWithSample(t *testing.T) {
	sampler := &fakeSampler{rows: []map[string]any{{"id": int64(1)}}}
	s := New(WithSampler(sampler), WithSampleRows(5), WithClock(func() time.Time { return fixedNow }))

	preview, err := s.Preview(context.Background(), loadPlan(t, "incremental.json"), PreviewOptions{})
	require.NoError(t, err)

	assert.True(t, preview.Guardrails.Allowed)
	require.Len(t, preview.Statements, 1)
	assert.Contains(t, preview.Statements[0].SQL, "-- generated_at: 2024-06-01T08:30:00Z")
	assert.Contains(t, preview.Compiled.Statements[0].SQL, "{{generated_at}}")
	assert.Equal(t, "SELECT * FROM cat.sch.src LIMIT 5", preview.SampleQuery)
	assert.Equal(t, []string{"wh-123: SELECT * FROM cat.sch.src LIMIT 5"}, sampler.calls)
	assert.Len(t, preview.Sample, 1)
	assert.Empty(t, preview.SampleError)
}

func TestPreviewSkipSampleStillChecksGuardrails(t *testing.T) {
	sampler := &fakeSampler{}
	s := New(WithSampler(sampler))

	p := loadPlan(t, "incremental.json")
	p.Target.Catalog = "prod"

	preview, err := s.Preview(context.Background(), p, PreviewOptions{SkipSample: true})
	var blocked *guardrails.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.NotNil(t, preview)
	assert.False(t, preview.Guardrails.Allowed)
	assert.Equal(t, guardrails.RuleCrossCatalog, preview.Guardrails.Violations[0].RuleID)
	assert.Empty(t, sampler.calls)
}

func TestPreviewSkipSample(t *testing.T) {
	sampler := &fakeSampler{}
	s := New(WithSampler(sampler))

	preview, err := s.Preview(context.Background(), loadPlan(t, "incremental.json"), PreviewOptions{SkipSample: true})
	require.NoError(t, err)
	assert.True(t, preview.Guardrails.Allowed)
	assert.Empty(t, preview.SampleQuery)
	assert.Empty(t, sampler.calls)
}

func TestPreviewBlockedDoesNotSample(t *testing.T) {
	sampler := &fakeSampler{}
	s := New(WithSampler(sampler))

	p := loadPlan(t, "incremental.json")
	p.Target.Catalog = "prod"

	_, err := s.Preview(context.Background(), p, PreviewOptions{})
	require.Error(t, err)
	assert.Empty(t, sampler.calls)
}

func TestPreviewSampleFailureIsReported(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sampler := &fakeSampler{err: errors.New("warehouse is not running")}
	s := New(WithSampler(sampler), WithLogger(zap.New(core)))

	preview, err := s.Preview(context.Background(), loadPlan(t, "incremental.json"), PreviewOptions{})
	require.NoError(t, err)
	assert.Equal(t, "warehouse is not running", preview.SampleError)
	assert.Equal(t, 1, logs.FilterMessage("failed to fetch preview sample").Len())
}

func TestAllowCrossCatalog(t *testing.T) {
	s := New(WithAllowCrossCatalog(true))
	p := loadPlan(t, "incremental.json")
	p.Target.Catalog = "prod"

	preview, err := s.Preview(context.Background(), p, PreviewOptions{})
	require.NoError(t, err)
	assert.True(t, preview.Guardrails.Allowed)
}

func TestExecuteRunsCompiledPlan(t *testing.T) {
	runner := &fakeRunner{}
	s := New(WithRunner(runner))

	exec, err := s.Execute(context.Background(), loadPlan(t, "scd2.yaml"), ExecuteOptions{InitiatedBy: "alice", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ID)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "customers-history", req.Compiled.PlanID)
	assert.Len(t, req.Compiled.Statements, 2)
	assert.Equal(t, "wh-123", req.Config.WarehouseID)
	assert.Equal(t, 2, req.Config.MaxRetries)
	assert.Equal(t, "alice", req.InitiatedBy)
	assert.Equal(t, time.Minute, req.Timeout)
}

func TestExecuteBlockedNeverRuns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	runner := &fakeRunner{}
	s := New(WithRunner(runner), WithLogger(zap.New(core)))

	p := loadPlan(t, "incremental.json")
	p.Target.Catalog = "prod"

	_, err := s.Execute(context.Background(), p, ExecuteOptions{})
	var blocked *guardrails.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Empty(t, runner.requests)
	assert.Equal(t, 1, logs.FilterMessage("blocked by guardrails").Len())
}

func TestExecuteInvalidPlanNeverRuns(t *testing.T) {
	runner := &fakeRunner{}
	s := New(WithRunner(runner))

	p := loadPlan(t, "incremental.json")
	p.Execution.WarehouseID = ""

	_, err := s.Execute(context.Background(), p, ExecuteOptions{})
	require.Error(t, err)
	assert.Empty(t, runner.requests)
}

func TestExecuteWithoutRunner(t *testing.T) {
	_, err := New().Execute(context.Background(), loadPlan(t, "incremental.json"), ExecuteOptions{})
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestExecuteSaved(t *testing.T) {
	runner := &fakeRunner{}
	p := loadPlan(t, "incremental.json")
	s := New(WithRunner(runner), WithRegistry(fakeRegistry{"orders-incremental@0": p}))

	_, err := s.ExecuteSaved(context.Background(), plan.Ref{PlanID: "orders-incremental"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Len(t, runner.requests, 1)

	_, err = s.ExecuteSaved(context.Background(), plan.Ref{PlanID: "missing"}, ExecuteOptions{})
	assert.ErrorIs(t, err, store.ErrPlanNotFound)

	_, err = New().LoadPlan(context.Background(), plan.Ref{PlanID: "x"})
	assert.ErrorContains(t, err, "registry")
}

// okService accepts every statement and reports it succeeded.
type okService struct {
	mu   sync.Mutex
	keys []string
}

func (o *okService) Submit(_ context.Context, req executor.SubmitRequest) (executor.SubmitResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys = append(o.keys, req.IdempotencyKey)
	return executor.SubmitResult{RemoteQueryID: fmt.Sprintf("q-%d", len(o.keys)), Status: executor.RemotePending}, nil
}

func (o *okService) Poll(context.Context, string) (executor.PollResult, error) {
	return executor.PollResult{Status: executor.RemoteSucceeded}, nil
}

func (o *okService) Cancel(context.Context, string) error { return nil }

func TestExecuteSavedPlanEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "planwright.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	saved, err := st.SavePlan(ctx, loadPlan(t, "scd2.yaml"))
	require.NoError(t, err)

	svc := &okService{}
	tracker := executor.NewTracker(svc, executor.WithAuditLog(st))
	s := New(WithRegistry(st), WithRunner(tracker))

	exec, err := s.ExecuteSaved(ctx, plan.Ref{PlanID: saved.Metadata.PlanID}, ExecuteOptions{InitiatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, exec.Status)
	assert.Len(t, svc.keys, 2)

	history, err := st.History(ctx, saved.Metadata.PlanID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, exec.ID, history[0].ID)
	assert.Equal(t, "alice", history[0].InitiatedBy)
	assert.Equal(t, saved.Metadata.Version, history[0].PlanVersion)
	require.Len(t, history[0].Statements, 2)
	assert.Contains(t, history[0].Statements[0].SQL, "MERGE INTO")
}
