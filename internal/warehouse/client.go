// Package warehouse runs SQL statements on Databricks SQL warehouses.
//
// Client implements executor.StatementService over database/sql. Each
// submission runs in its own goroutine; callers poll for the outcome by query
// id. Submissions carrying an idempotency key the client already knows are
// attached to the existing query instead of running the SQL again.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	dbsql "github.com/databricks/databricks-sql-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/executor"
)

// DefaultDedupeWindow is how long a succeeded query still answers a
// resubmission of its idempotency key.
const DefaultDedupeWindow = 15 * time.Minute

// DB is the subset of *sql.DB the client uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// Opener returns a handle for a warehouse. It is called once per warehouse id.
type Opener func(warehouseID string) (DB, error)

// Config holds Databricks workspace connection settings. The token is
// injected here and nowhere else.
type Config struct {
	Host  string
	Port  int
	Token string
	// HTTPPath overrides the default /sql/1.0/warehouses/<id>. A %s in the
	// value is replaced with the warehouse id.
	HTTPPath string
}

func (c Config) httpPath(warehouseID string) string {
	if c.HTTPPath == "" {
		return "/sql/1.0/warehouses/" + warehouseID
	}
	return fmt.Sprintf(c.HTTPPath, warehouseID)
}

// DatabricksOpener returns an Opener that connects to SQL warehouses in the
// workspace described by cfg.
func DatabricksOpener(cfg Config) Opener {
	return func(warehouseID string) (DB, error) {
		if cfg.Host == "" {
			return nil, fmt.Errorf("databricks host is not configured")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("databricks token is not configured")
		}
		port := cfg.Port
		if port == 0 {
			port = 443
		}
		connector, err := dbsql.NewConnector(
			dbsql.WithServerHostname(cfg.Host),
			dbsql.WithPort(port),
			dbsql.WithHTTPPath(cfg.httpPath(warehouseID)),
			dbsql.WithAccessToken(cfg.Token),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Databricks connector for warehouse %s: %w", warehouseID, err)
		}
		return sql.OpenDB(connector), nil
	}
}

type query struct {
	id          string
	key         string
	warehouseID string
	status      executor.RemoteStatus
	err         *executor.RemoteError
	rows        *int64
	cancel      context.CancelFunc
	finishedAt  time.Time
	done        chan struct{}
}

// Client submits statements to warehouses and tracks them until they finish.
type Client struct {
	open        Opener
	log         *zap.Logger
	now         func() time.Time
	dedupeAfter time.Duration

	mu      sync.Mutex
	dbs     map[string]DB
	queries map[string]*query
	byKey   map[string]string
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDedupeWindow sets how long a succeeded query is reused for
// resubmissions of its key. Zero disables reuse of finished queries; queries
// still in flight are always reused.
func WithDedupeWindow(d time.Duration) Option {
	return func(c *Client) { c.dedupeAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient returns a Client that opens warehouse handles with open.
func NewClient(open Opener, opts ...Option) *Client {
	c := &Client{
		open:        open,
		log:         zap.NewNop(),
		now:         time.Now,
		dedupeAfter: DefaultDedupeWindow,
		dbs:         make(map[string]DB),
		queries:     make(map[string]*query),
		byKey:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("warehouse")
	return c
}

var _ executor.StatementService = (*Client)(nil)

// Submit starts req.SQL on the warehouse and returns immediately. The
// statement runs under req.TimeoutSeconds, independent of ctx, so it keeps
// going between polls.
func (c *Client) Submit(ctx context.Context, req executor.SubmitRequest) (executor.SubmitResult, error) {
	if req.WarehouseID == "" {
		return executor.SubmitResult{}, fmt.Errorf("warehouse id is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return executor.SubmitResult{}, fmt.Errorf("warehouse client is closed")
	}
	if q := c.reusable(req.IdempotencyKey); q != nil {
		c.mu.Unlock()
		c.log.Info("attached resubmission to existing query",
			zap.String("query_id", q.id),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("status", string(q.status)),
		)
		return executor.SubmitResult{RemoteQueryID: q.id, Status: q.status}, nil
	}
	c.mu.Unlock()

	db, err := c.db(req.WarehouseID)
	if err != nil {
		return executor.SubmitResult{}, err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = executor.DefaultStatementTimeout
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	q := &query{
		id:          uuid.NewString(),
		key:         req.IdempotencyKey,
		warehouseID: req.WarehouseID,
		status:      executor.RemotePending,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	// Another submission with the same key may have won the race.
	if existing := c.reusable(req.IdempotencyKey); existing != nil {
		c.mu.Unlock()
		cancel()
		return executor.SubmitResult{RemoteQueryID: existing.id, Status: existing.status}, nil
	}
	c.queries[q.id] = q
	if q.key != "" {
		c.byKey[q.key] = q.id
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("submitting statement",
		zap.String("query_id", q.id),
		zap.String("warehouse_id", req.WarehouseID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	go c.run(qctx, db, q, req.SQL)

	return executor.SubmitResult{RemoteQueryID: q.id, Status: executor.RemotePending}, nil
}

// reusable returns the query a resubmission of key should attach to. The
// caller holds c.mu.
func (c *Client) reusable(key string) *query {
	if key == "" {
		return nil
	}
	id, ok := c.byKey[key]
	if !ok {
		return nil
	}
	q := c.queries[id]
	switch q.status {
	case executor.RemotePending, executor.RemoteRunning:
		return q
	case executor.RemoteSucceeded:
		if c.dedupeAfter > 0 && c.now().Sub(q.finishedAt) < c.dedupeAfter {
			return q
		}
	}
	return nil
}

func (c *Client) run(ctx context.Context, db DB, q *query, stmt string) {
	defer c.wg.Done()
	defer close(q.done)
	defer q.cancel()

	c.setStatus(q, executor.RemoteRunning, nil, nil)

	start := c.now()
	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		remote := Classify(err)
		c.log.Warn("statement failed",
			zap.String("query_id", q.id),
			zap.String("error_class", remote.Class),
			zap.Error(err),
		)
		c.setStatus(q, executor.RemoteFailed, remote, nil)
		return
	}

	var rows *int64
	if n, err := res.RowsAffected(); err == nil {
		rows = &n
	}
	c.log.Debug("statement succeeded",
		zap.String("query_id", q.id),
		zap.Duration("duration", c.now().Sub(start)),
	)
	c.setStatus(q, executor.RemoteSucceeded, nil, rows)
}

func (c *Client) setStatus(q *query, status executor.RemoteStatus, remote *executor.RemoteError, rows *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A cancelled query stays cancelled whatever the driver reports after.
	if q.status == executor.RemoteCanceled {
		return
	}
	q.status = status
	q.err = remote
	q.rows = rows
	if status.Terminal() {
		q.finishedAt = c.now()
	}
}

// Poll reports the current state of a query.
func (c *Client) Poll(_ context.Context, remoteQueryID string) (executor.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[remoteQueryID]
	if !ok {
		return executor.PollResult{}, fmt.Errorf("unknown query %s", remoteQueryID)
	}
	res := executor.PollResult{Status: q.status, Error: q.err}
	if q.rows != nil {
		n := *q.rows
		res.RowsAffected = &n
	}
	return res, nil
}

// Cancel stops a query that has not finished. Cancelling a finished query is
// a no-op.
func (c *Client) Cancel(_ context.Context, remoteQueryID string) error {
	c.mu.Lock()
	q, ok := c.queries[remoteQueryID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown query %s", remoteQueryID)
	}
	if q.status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	q.status = executor.RemoteCanceled
	q.err = &executor.RemoteError{Class: executor.ClassCancelled, Message: "query cancelled"}
	q.finishedAt = c.now()
	c.mu.Unlock()

	q.cancel()
	c.log.Info("query cancelled", zap.String("query_id", remoteQueryID))
	return nil
}

// Query runs a read-only query synchronously and returns its rows as maps
// keyed by column name.
func (c *Client) Query(ctx context.Context, warehouseID, stmt string) ([]map[string]any, error) {
	db, err := c.db(warehouseID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return scanRowsToMaps(rows)
}

func (c *Client) db(warehouseID string) (DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[warehouseID]; ok {
		return db, nil
	}
	db, err := c.open(warehouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse %s: %w", warehouseID, err)
	}
	c.dbs[warehouseID] = db
	return db, nil
}

// Close cancels running queries, waits for them and closes every handle.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, q := range c.queries {
		if !q.status.Terminal() {
			q.cancel()
		}
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, db := range c.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close warehouse %s: %w", id, err)
		}
		delete(c.dbs, id)
	}
	return firstErr
}

// scanRowsToMaps scans SQL rows into maps.
func scanRowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}
