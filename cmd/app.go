package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/config"
	"github.com/planwright/planwright/internal/executor"
	"github.com/planwright/planwright/internal/guardrails"
	"github.com/planwright/planwright/internal/logging"
	"github.com/planwright/planwright/internal/metrics"
	"github.com/planwright/planwright/internal/plan"
	"github.com/planwright/planwright/internal/service"
	"github.com/planwright/planwright/internal/store"
	"github.com/planwright/planwright/internal/validation"
	"github.com/planwright/planwright/internal/warehouse"
)

// app holds what a command needs. Connections are opened on first use and
// released by close.
type app struct {
	cfg *config.Config
	env *config.ResolvedEnvironment
	log *zap.Logger

	store     *store.Store
	warehouse *warehouse.Client
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	if rootLogLevel != "" {
		logCfg.Level = rootLogLevel
	}
	log, err := logging.NewWithWriter(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	env, err := config.ResolveEnvironment(cfg, rootEnvironment)
	if err != nil {
		return nil, err
	}
	if rootStoreURL != "" {
		env.StoreURL = rootStoreURL
	}

	log.Debug("resolved environment",
		zap.String("environment", env.Name),
		zap.String("config", cfg.ConfigFilePath),
		zap.Bool("dotenv", env.FromDotenv),
		zap.String("databricks_host", env.Warehouse.Host),
		logging.RedactedString("databricks_token", env.Warehouse.Token),
	)

	return &app{cfg: cfg, env: env, log: log}, nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(ctx, a.env.StoreURL, a.log)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

func (a *app) hasWarehouse() bool {
	return a.env.Warehouse.Host != "" && a.env.Warehouse.Token != ""
}

func (a *app) warehouseClient() (*warehouse.Client, error) {
	if a.warehouse != nil {
		return a.warehouse, nil
	}
	if !a.hasWarehouse() {
		return nil, fmt.Errorf("environment %q has no Databricks credentials; set DATABRICKS_HOST and DATABRICKS_TOKEN in %s",
			a.env.Name, a.env.DotenvPath)
	}
	a.warehouse = warehouse.NewClient(warehouse.DatabricksOpener(a.env.Warehouse), warehouse.WithLogger(a.log))
	return a.warehouse, nil
}

func (a *app) executionMetrics() *metrics.Metrics {
	if a.metrics == nil {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.New(a.registry)
	}
	return a.metrics
}

// newService builds a service for offline work: compile, check and preview
// without a sample.
func (a *app) newService(opts ...service.Option) *service.Service {
	base := []service.Option{
		service.WithLogger(a.log),
		service.WithAllowCrossCatalog(a.cfg.Guardrails.AllowCrossCatalog),
		service.WithSampleRows(a.cfg.SampleRows()),
	}
	return service.New(append(base, opts...)...)
}

// newTracker wires the warehouse client, audit store, retry policy and
// metrics into an execution tracker.
func (a *app) newTracker(ctx context.Context) (*executor.Tracker, error) {
	client, err := a.warehouseClient()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return executor.NewTracker(client,
		executor.WithAuditLog(st),
		executor.WithRetryPolicy(a.cfg.RetryPolicy()),
		executor.WithPollInterval(a.cfg.PollInterval()),
		executor.WithMetrics(a.executionMetrics()),
		executor.WithLogger(a.log),
	), nil
}

func (a *app) writeMetrics(path string) error {
	if path == "" || a.registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func (a *app) close() {
	if a.warehouse != nil {
		if err := a.warehouse.Close(); err != nil {
			a.log.Warn("failed to close warehouse connections", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// readPlan loads a plan file and validates it.
func readPlan(path string) (*plan.Plan, error) {
	doc, err := plan.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	result, p := validation.ValidateDocument(doc)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// isPlanFile reports whether arg names an existing file rather than a saved
// plan id.
func isPlanFile(arg string) bool {
	if strings.ContainsAny(arg, `/\`) {
		return true
	}
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}

// resolvePlan returns the plan named by arg: a plan file, or otherwise a
// saved plan id looked up in the registry.
func (a *app) resolvePlan(ctx context.Context, arg string, version int) (*plan.Plan, error) {
	if isPlanFile(arg) {
		if version != 0 {
			return nil, errors.New("--version applies to saved plans, not plan files")
		}
		return readPlan(arg)
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return st.GetPlan(ctx, arg, version)
}

func printError(w io.Writer, err error) {
	var verr *validation.Error
	var blocked *guardrails.BlockedError
	switch {
	case errors.As(err, &verr):
		_, _ = fmt.Fprintln(w, errorText("plan is invalid:"))
		for _, e := range verr.Errors {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
	case errors.As(err, &blocked):
		_, _ = fmt.Fprintln(w, errorText("blocked by guardrails:"))
		for _, v := range blocked.Violations {
			_, _ = fmt.Fprintf(w, "  - %s\n", v)
		}
	default:
		_, _ = fmt.Fprintf(w, "%s %v\n", errorText("Error:"), err)
	}
}
