// Package executor runs compiled plans against a warehouse and tracks each
// statement through its lifecycle.
//
// Statements of one execution are submitted strictly in order: statement N+1
// is not submitted until statement N has succeeded, because multi-statement
// patterns depend on the committed effect of earlier statements. A failed
// statement stops the execution; nothing is rolled back. Separate executions
// are independent and may run concurrently.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/compiler"
	"github.com/planwright/planwright/internal/metrics"
	"github.com/planwright/planwright/internal/plan"
)

// DefaultRetention is how many finished executions a Tracker keeps for Get.
const DefaultRetention = 256

// Tracker owns execution records and drives statements through a
// StatementService.
type Tracker struct {
	svc          StatementService
	audit        AuditLog
	policy       RetryPolicy
	pollInterval time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	newID        func() string

	mu         sync.RWMutex
	executions map[string]*record
	// finished holds ids of terminal executions, oldest first, so that only
	// the most recent retain of them are kept in memory.
	finished   []string
	retain     int
}

type record struct {
	exec            *Execution
	cancelRequested bool
	onEvent         func(Event)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAuditLog writes a record for every execution that finishes.
func WithAuditLog(a AuditLog) Option {
	return func(t *Tracker) { t.audit = a }
}

// WithRetryPolicy sets backoff and error classification. MaxRetries is taken
// from each plan's execution_config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithPollInterval sets how often a running statement is polled.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.pollInterval = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithRetention sets how many finished executions stay available to Get.
// Older ones are dropped; the audit log keeps the full history.
func WithRetention(n int) Option {
	return func(t *Tracker) { t.retain = n }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker submitting statements to svc.
func NewTracker(svc StatementService, opts ...Option) *Tracker {
	t := &Tracker{
		svc:          svc,
		policy:       DefaultRetryPolicy(),
		pollInterval: DefaultPollInterval,
		log:          zap.NewNop(),
		now:          time.Now,
		sleep:        sleepContext,
		newID:        uuid.NewString,
		executions:   make(map[string]*record),
		retain:       DefaultRetention,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("executor")
	return t
}

// Request describes one execution.
type Request struct {
	Compiled *compiler.Compiled
	Config   plan.ExecutionConfig
	// Timeout overrides Config.TimeoutSeconds for each attempt when positive.
	Timeout     time.Duration
	InitiatedBy string
	// ExecutionID is generated when empty. Supplying one lets the caller
	// cancel or inspect the execution while Execute is still running.
	ExecutionID string
	// OnEvent, if set, is called synchronously for every state change.
	OnEvent func(Event)
}

// Execute runs every compiled statement in order and returns the final
// execution record. When the execution does not succeed the error is an
// *ExecutionError wrapping a *TransientError, *PermanentError or the
// cancellation cause. A failure to write the audit record is joined to it.
func (t *Tracker) Execute(ctx context.Context, req Request) (*Execution, error) {
	if req.Compiled == nil || len(req.Compiled.Statements) == 0 {
		return nil, errors.New("nothing to execute: no compiled statements")
	}
	if req.Config.WarehouseID == "" {
		return nil, errors.New("execution_config.warehouse_id is required")
	}

	rec, err := t.register(req)
	if err != nil {
		return nil, err
	}
	id := rec.exec.ID

	log := t.log.With(
		zap.String("execution_id", id),
		zap.String("plan_id", req.Compiled.PlanID),
		zap.Int("plan_version", req.Compiled.PlanVersion),
	)

	policy := t.policy
	policy.MaxRetries = req.Config.MaxRetries

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = req.Config.Timeout()
	}
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}

	t.updateExecution(rec, func(e *Execution) {
		e.Status = StatusRunning
		e.StartedAt = t.now()
	})
	log.Info("execution started",
		zap.String("pattern", string(req.Compiled.Pattern)),
		zap.Int("statements", len(req.Compiled.Statements)),
		zap.String("warehouse_id", req.Config.WarehouseID),
	)

	var (
		failure  error
		failedAt int
	)
	for i, stmt := range req.Compiled.Statements {
		if t.stopRequested(ctx, rec) {
			failure = errCancelled
			break
		}
		if err := t.runStatement(ctx, log, rec, i, req.Config.WarehouseID, timeout, policy); err != nil {
			failure = err
			failedAt = stmt.StatementNumber
			break
		}
	}

	final, auditErr := t.finish(ctx, log, rec, failure)
	t.release(id)

	var execErr error
	if failure != nil {
		execErr = &ExecutionError{ExecutionID: id, Status: final.Status, StatementNumber: failedAt, Err: failure}
	}
	switch {
	case auditErr == nil:
		return final, execErr
	case execErr == nil:
		return final, auditErr
	default:
		return final, errors.Join(execErr, auditErr)
	}
}

func (t *Tracker) register(req Request) (*record, error) {
	c := req.Compiled
	id := req.ExecutionID
	if id == "" {
		id = t.newID()
	}

	exec := &Execution{
		ID:          id,
		PlanID:      c.PlanID,
		PlanVersion: c.PlanVersion,
		Pattern:     c.Pattern,
		WarehouseID: req.Config.WarehouseID,
		InitiatedBy: req.InitiatedBy,
		Status:      StatusPending,
		Statements:  make([]StatementExecution, len(c.Statements)),
	}

	// Keys are derived from the unstamped text so every run of a plan
	// revision produces the same keys.
	stamped := compiler.Stamp(c.Statements, t.now())
	for i, s := range c.Statements {
		exec.Statements[i] = StatementExecution{
			StatementNumber: s.StatementNumber,
			SQL:             stamped[i].SQL,
			IdempotencyKey:  IdempotencyKey(c.PlanID, c.PlanVersion, s.StatementNumber, s.SQL),
			Status:          StatementPending,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.executions[id]; exists {
		return nil, fmt.Errorf("execution %s already exists", id)
	}
	rec := &record{exec: exec, onEvent: req.OnEvent}
	t.executions[id] = rec
	return rec, nil
}

// Get returns a copy of an execution record.
func (t *Tracker) Get(id string) (*Execution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.executions[id]
	if !ok {
		return nil, false
	}
	return rec.exec.clone(), true
}

// Cancel asks a running execution to stop before its next statement. The
// statement in flight is allowed to finish.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	if rec.exec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinished, id, rec.exec.Status)
	}
	rec.cancelRequested = true
	t.log.Info("cancellation requested", zap.String("execution_id", id))
	return nil
}

func (t *Tracker) stopRequested(ctx context.Context, rec *record) bool {
	if ctx.Err() != nil {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return rec.cancelRequested
}

// runStatement submits statement idx until it succeeds, fails permanently or
// runs out of retries.
func (t *Tracker) runStatement(
	ctx context.Context,
	log *zap.Logger,
	rec *record,
	idx int,
	warehouseID string,
	timeout time.Duration,
	policy RetryPolicy,
) error {
	t.mu.RLock()
	st := rec.exec.Statements[idx]
	t.mu.RUnlock()

	log = log.With(zap.Int("statement", st.StatementNumber), zap.String("idempotency_key", st.IdempotencyKey))
	started := t.now()

	req := SubmitRequest{
		SQL:            st.SQL,
		IdempotencyKey: st.IdempotencyKey,
		WarehouseID:    warehouseID,
		TimeoutSeconds: int((timeout + time.Second - 1) / time.Second),
	}

	for attempt := 1; ; attempt++ {
		t.updateStatement(rec, idx, func(s *StatementExecution) {
			s.Status = StatementSubmitted
			s.AttemptCount = attempt
			if s.StartedAt.IsZero() {
				s.StartedAt = started
			}
		})
		t.metrics.StatementSubmitted(warehouseID)
		log.Debug("submitting statement", zap.Int("attempt", attempt))

		result, err := t.attempt(ctx, rec, idx, req, timeout)
		if err == nil {
			t.updateStatement(rec, idx, func(s *StatementExecution) {
				s.Status = StatementSucceeded
				s.CompletedAt = t.now()
				s.RowsAffected = result.RowsAffected
				s.LastError = ""
				s.ErrorClass = ""
			})
			t.metrics.StatementFinished(string(StatementSucceeded), t.now().Sub(started))
			log.Info("statement succeeded", zap.Int("attempts", attempt))
			return nil
		}

		class, msg := classify(err)
		// A stop request ends the statement at its current attempt; it is not
		// resubmitted.
		if policy.ShouldRetry(class, attempt) && !t.stopRequested(ctx, rec) {
			delay := policy.Backoff(attempt)
			t.metrics.StatementRetried(class)
			log.Warn("transient statement failure, retrying",
				zap.String("error_class", class),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			t.updateStatement(rec, idx, func(s *StatementExecution) {
				s.LastError = msg
				s.ErrorClass = class
			})
			if sleepErr := t.sleep(ctx, delay); sleepErr == nil {
				continue
			}
			log.Info("stop requested during backoff, not resubmitting", zap.Int("attempt", attempt))
		}

		t.abandon(ctx, log, rec, idx, class)
		t.updateStatement(rec, idx, func(s *StatementExecution) {
			s.Status = StatementFailed
			s.CompletedAt = t.now()
			s.LastError = msg
			s.ErrorClass = class
		})
		t.metrics.StatementFailed(class)
		t.metrics.StatementFinished(string(StatementFailed), t.now().Sub(started))
		log.Error("statement failed",
			zap.String("error_class", class),
			zap.Int("attempts", attempt),
			zap.String("error", msg),
		)

		if policy.transient(class) {
			return &TransientError{Class: class, Message: msg, Attempts: attempt}
		}
		return &PermanentError{Class: class, Message: msg}
	}
}

// attempt submits once and polls until the statement finishes or the attempt
// times out. A timed-out statement is left running: the next attempt
// resubmits with the same idempotency key and picks it up again.
//
// The caller's cancellation does not reach a statement in flight. It is
// observed at the next statement boundary, once this attempt has reached a
// final state, so a statement that commits is always recorded as succeeded.
func (t *Tracker) attempt(ctx context.Context, rec *record, idx int, req SubmitRequest, timeout time.Duration) (PollResult, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	timedOut := func(err error) error {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return &RemoteError{Class: ClassTimeout, Message: fmt.Sprintf("statement did not finish within %s", timeout)}
		}
		return err
	}

	sub, err := t.svc.Submit(actx, req)
	if err != nil {
		return PollResult{}, timedOut(err)
	}
	t.updateStatement(rec, idx, func(s *StatementExecution) {
		s.RemoteQueryID = sub.RemoteQueryID
	})

	running := false
	for {
		res, err := t.svc.Poll(actx, sub.RemoteQueryID)
		if err != nil {
			return PollResult{}, timedOut(err)
		}

		switch res.Status {
		case RemoteSucceeded:
			return res, nil
		case RemoteFailed:
			if res.Error == nil {
				return res, &RemoteError{Class: ClassUnknown, Message: "statement failed without an error message"}
			}
			return res, res.Error
		case RemoteCanceled:
			return res, &RemoteError{Class: ClassCancelled, Message: "statement was cancelled on the warehouse"}
		case RemoteRunning:
			if !running {
				running = true
				t.updateStatement(rec, idx, func(s *StatementExecution) {
					s.Status = StatementRunning
				})
			}
		}

		if err := t.sleep(actx, t.pollInterval); err != nil {
			return PollResult{}, timedOut(err)
		}
	}
}

// abandon cancels the remote statement when the tracker gives up on a
// timed-out attempt that may still be running.
func (t *Tracker) abandon(ctx context.Context, log *zap.Logger, rec *record, idx int, class string) {
	if class != ClassTimeout && class != ClassCancelled {
		return
	}
	t.mu.RLock()
	remoteID := rec.exec.Statements[idx].RemoteQueryID
	t.mu.RUnlock()
	if remoteID == "" {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := t.svc.Cancel(cctx, remoteID); err != nil {
		log.Warn("failed to cancel abandoned statement", zap.String("remote_query_id", remoteID), zap.Error(err))
	}
}

// classify maps an attempt error to an error class and message.
func classify(err error) (string, string) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.Class == "" {
			return ClassUnknown, remote.Message
		}
		return remote.Class, remote.Message
	}
	// Anything else came from the transport rather than the warehouse.
	return ClassConnection, err.Error()
}

func (t *Tracker) finish(ctx context.Context, log *zap.Logger, rec *record, failure error) (*Execution, error) {
	t.mu.Lock()
	e := rec.exec
	switch {
	case failure == nil:
		e.Status = StatusSucceeded
	case e.succeeded() > 0:
		e.Status = StatusPartial
	case errors.Is(failure, errCancelled):
		e.Status = StatusCancelled
	default:
		e.Status = StatusFailed
	}
	if failure != nil {
		e.Error = failure.Error()
	}
	e.CompletedAt = t.now()
	final := e.clone()
	t.mu.Unlock()

	t.emit(rec, Event{
		ExecutionID:     final.ID,
		ExecutionStatus: final.Status,
		Error:           final.Error,
		Time:            final.CompletedAt,
	})
	t.metrics.ExecutionFinished(string(final.Pattern), string(final.Status))
	log.Info("execution finished",
		zap.String("status", string(final.Status)),
		zap.Duration("duration", final.CompletedAt.Sub(final.StartedAt)),
	)

	if t.audit == nil {
		return final, nil
	}
	rec2 := AuditRecord{Execution: *final.clone(), RecordedAt: t.now()}
	if err := t.audit.Append(context.WithoutCancel(ctx), rec2); err != nil {
		log.Error("failed to write audit record", zap.Error(err))
		return final, fmt.Errorf("failed to write audit record for execution %s: %w", final.ID, err)
	}
	return final, nil
}

// release marks an execution finished and drops the oldest finished records
// beyond the retention limit.
func (t *Tracker) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = append(t.finished, id)
	for len(t.finished) > max(t.retain, 0) {
		delete(t.executions, t.finished[0])
		t.finished = t.finished[1:]
	}
}

func (t *Tracker) updateExecution(rec *record, fn func(*Execution)) {
	t.mu.Lock()
	fn(rec.exec)
	ev := Event{
		ExecutionID:     rec.exec.ID,
		ExecutionStatus: rec.exec.Status,
		Time:            t.now(),
	}
	t.mu.Unlock()
	t.emit(rec, ev)
}

func (t *Tracker) updateStatement(rec *record, idx int, fn func(*StatementExecution)) {
	t.mu.Lock()
	s := &rec.exec.Statements[idx]
	before, beforeAttempt := s.Status, s.AttemptCount
	fn(s)
	ev := Event{
		ExecutionID:     rec.exec.ID,
		StatementNumber: s.StatementNumber,
		StatementStatus: s.Status,
		ExecutionStatus: rec.exec.Status,
		Attempt:         s.AttemptCount,
		Error:           s.LastError,
		Time:            t.now(),
	}
	changed := before != s.Status || beforeAttempt != s.AttemptCount
	t.mu.Unlock()

	if changed {
		t.emit(rec, ev)
	}
}

func (t *Tracker) emit(rec *record, ev Event) {
	if rec.onEvent != nil {
		rec.onEvent(ev)
	}
}
