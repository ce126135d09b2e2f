package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/planwright/planwright/internal/executor"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sqliteOpener(t *testing.T) (Opener, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec("CREATE TABLE events (id INTEGER, name TEXT)")
	require.NoError(t, err)
	return func(string) (DB, error) { return db, nil }, db
}

// blockingDB holds every statement until its context ends.
type blockingDB struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingDB() *blockingDB { return &blockingDB{started: make(chan struct{})} }

func (b *blockingDB) ExecContext(ctx context.Context, _ string, _ ...any) (sql.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (b *blockingDB) Close() error { return nil }

func waitDone(t *testing.T, c *Client, id string) executor.PollResult {
	t.Helper()
	c.mu.Lock()
	q, ok := c.queries[id]
	c.mu.Unlock()
	require.True(t, ok, "unknown query %s", id)

	select {
	case <-q.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("query %s did not finish", id)
	}
	res, err := c.Poll(context.Background(), id)
	require.NoError(t, err)
	return res
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n))
	return n
}

func submit(sql, key string) executor.SubmitRequest {
	return executor.SubmitRequest{SQL: sql, IdempotencyKey: key, WarehouseID: "wh-1", TimeoutSeconds: 30}
}

func TestSubmitAndPoll(t *testing.T) {
	open, db := sqliteOpener(t)
	c := NewClient(open)
	defer c.Close()

	stmt := "-- plan_id: p\n-- statement: 1 of 1\nINSERT INTO events (id, name) VALUES (1, 'a'), (2, 'b')"
	sub, err := c.Submit(context.Background(), submit(stmt, "key-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, sub.RemoteQueryID)

	res := waitDone(t, c, sub.RemoteQueryID)
	assert.Equal(t, executor.RemoteSucceeded, res.Status)
	assert.Nil(t, res.Error)
	require.NotNil(t, res.RowsAffected)
	assert.Equal(t, int64(2), *res.RowsAffected)
	assert.Equal(t, 2, countEvents(t, db))
}

func TestSubmitFailureIsSQLError(t *testing.T) {
	open, _ := sqliteOpener(t)
	c := NewClient(open)
	defer c.Close()

	sub, err := c.Submit(context.Background(), submit("INSERT INTO missing VALUES (1)", "key-1"))
	require.NoError(t, err)

	res := waitDone(t, c, sub.RemoteQueryID)
	assert.Equal(t, executor.RemoteFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, executor.ClassSQL, res.Error.Class)
	assert.Contains(t, res.Error.Message, "missing")
}

func TestResubmissionIsDeduplicated(t *testing.T) {
	open, db := sqliteOpener(t)
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	c := NewClient(open, WithClock(clock.Now), WithDedupeWindow(time.Minute))
	defer c.Close()

	stmt := "INSERT INTO events (id, name) VALUES (1, 'a')"
	first, err := c.Submit(context.Background(), submit(stmt, "key-1"))
	require.NoError(t, err)
	waitDone(t, c, first.RemoteQueryID)

	again, err := c.Submit(context.Background(), submit(stmt, "key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.RemoteQueryID, again.RemoteQueryID)
	assert.Equal(t, executor.RemoteSucceeded, again.Status)
	assert.Equal(t, 1, countEvents(t, db))

	other, err := c.Submit(context.Background(), submit(stmt, "key-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RemoteQueryID, other.RemoteQueryID)
	waitDone(t, c, other.RemoteQueryID)
	assert.Equal(t, 2, countEvents(t, db))

	clock.Advance(2 * time.Minute)
	later, err := c.Submit(context.Background(), submit(stmt, "key-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RemoteQueryID, later.RemoteQueryID, "a rerun after the window executes again")
	waitDone(t, c, later.RemoteQueryID)
	assert.Equal(t, 3, countEvents(t, db))
}

func TestFailedQueryIsNotReused(t *testing.T) {
	open, _ := sqliteOpener(t)
	c := NewClient(open)
	defer c.Close()

	first, err := c.Submit(context.Background(), submit("INSERT INTO missing VALUES (1)", "key-1"))
	require.NoError(t, err)
	waitDone(t, c, first.RemoteQueryID)

	second, err := c.Submit(context.Background(), submit("INSERT INTO missing VALUES (1)", "key-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.RemoteQueryID, second.RemoteQueryID)
}

func TestInFlightQueryIsReused(t *testing.T) {
	db := newBlockingDB()
	c := NewClient(func(string) (DB, error) { return db, nil })
	defer c.Close()

	first, err := c.Submit(context.Background(), submit("SELECT 1", "key-1"))
	require.NoError(t, err)
	<-db.started

	second, err := c.Submit(context.Background(), submit("SELECT 1", "key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.RemoteQueryID, second.RemoteQueryID)
	assert.Equal(t, executor.RemoteRunning, second.Status)
}

func TestSubmitOutlivesCallerContext(t *testing.T) {
	open, db := sqliteOpener(t)
	c := NewClient(open)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Submit(ctx, submit("INSERT INTO events (id) VALUES (1)", ""))
	require.NoError(t, err)
	cancel()

	res := waitDone(t, c, sub.RemoteQueryID)
	assert.Equal(t, executor.RemoteSucceeded, res.Status)
	assert.Equal(t, 1, countEvents(t, db))
}

func TestCancel(t *testing.T) {
	db := newBlockingDB()
	c := NewClient(func(string) (DB, error) { return db, nil })
	defer c.Close()

	sub, err := c.Submit(context.Background(), submit("SELECT 1", "key-1"))
	require.NoError(t, err)
	<-db.started

	require.NoError(t, c.Cancel(context.Background(), sub.RemoteQueryID))
	res := waitDone(t, c, sub.RemoteQueryID)
	assert.Equal(t, executor.RemoteCanceled, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, executor.ClassCancelled, res.Error.Class)

	// Finished queries ignore cancellation.
	require.NoError(t, c.Cancel(context.Background(), sub.RemoteQueryID))
	assert.Error(t, c.Cancel(context.Background(), "missing"))
}

func TestStatementTimeout(t *testing.T) {
	db := newBlockingDB()
	c := NewClient(func(string) (DB, error) { return db, nil })
	defer c.Close()

	req := submit("SELECT 1", "key-1")
	req.TimeoutSeconds = 1
	sub, err := c.Submit(context.Background(), req)
	require.NoError(t, err)

	res := waitDone(t, c, sub.RemoteQueryID)
	assert.Equal(t, executor.RemoteFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, executor.ClassTimeout, res.Error.Class)
}

func TestPollUnknownQuery(t *testing.T) {
	c := NewClient(func(string) (DB, error) { return newBlockingDB(), nil })
	_, err := c.Poll(context.Background(), "nope")
	assert.Error(t, err)
}

func TestSubmitRequiresWarehouse(t *testing.T) {
	c := NewClient(func(string) (DB, error) { return newBlockingDB(), nil })
	_, err := c.Submit(context.Background(), executor.SubmitRequest{SQL: "SELECT 1"})
	assert.ErrorContains(t, err, "warehouse id")
}

func TestOpenErrorIsReturned(t *testing.T) {
	c := NewClient(func(id string) (DB, error) { return nil, fmt.Errorf("no credentials for %s", id) })
	_, err := c.Submit(context.Background(), submit("SELECT 1", ""))
	assert.ErrorContains(t, err, "no credentials for wh-1")
}

func TestHandlesAreCachedPerWarehouse(t *testing.T) {
	opened := map[string]int{}
	c := NewClient(func(id string) (DB, error) {
		opened[id]++
		return newBlockingDB(), nil
	})
	for _, id := range []string{"a", "b", "a", "a"} {
		_, err := c.db(id)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, opened)
}

func TestCloseStopsRunningQueries(t *testing.T) {
	db := newBlockingDB()
	c := NewClient(func(string) (DB, error) { return db, nil })

	_, err := c.Submit(context.Background(), submit("SELECT 1", "key-1"))
	require.NoError(t, err)
	<-db.started

	require.NoError(t, c.Close())
	_, err = c.Submit(context.Background(), submit("SELECT 1", "key-2"))
	assert.ErrorContains(t, err, "closed")
}

func TestQuery(t *testing.T) {
	open, db := sqliteOpener(t)
	_, err := db.Exec("INSERT INTO events (id, name) VALUES (1, 'a'), (2, 'b')")
	require.NoError(t, err)

	c := NewClient(open)
	defer c.Close()

	rows, err := c.Query(context.Background(), "wh-1", "SELECT id, name FROM events ORDER BY id LIMIT 10")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "b", rows[1]["name"])

	_, err = c.Query(context.Background(), "wh-1", "SELECT * FROM missing")
	assert.Error(t, err)
}

type stateErr struct{ state string }

func (e stateErr) Error() string    { return "query failed with state " + e.state }
func (e stateErr) SqlState() string { return e.state }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), executor.ClassTimeout},
		{"canceled", context.Canceled, executor.ClassCancelled},
		{"connection state", stateErr{"08001"}, executor.ClassConnection},
		{"resources state", stateErr{"53200"}, executor.ClassResourceExhausted},
		{"sql state", stateErr{"42P01"}, executor.ClassSQL},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("unreachable")}, executor.ClassConnection},
		{"warehouse stopped", errors.New("Warehouse is not running: state STOPPED"), executor.ClassWarehouseUnavailable},
		{"throttled", errors.New("HTTP 429 Too Many Requests"), executor.ClassResourceExhausted},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), executor.ClassConnection},
		{"syntax", errors.New("[PARSE_SYNTAX_ERROR] Syntax error at or near 'SELEC'"), executor.ClassSQL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Class)
			assert.Equal(t, tt.err.Error(), got.Message)
		})
	}
}

func TestDatabricksOpenerRequiresCredentials(t *testing.T) {
	_, err := DatabricksOpener(Config{Token: "t"})("wh")
	assert.ErrorContains(t, err, "host")

	_, err = DatabricksOpener(Config{Host: "example.cloud.databricks.com"})("wh")
	assert.ErrorContains(t, err, "token")
}

func TestHTTPPath(t *testing.T) {
	assert.Equal(t, "/sql/1.0/warehouses/abc", Config{}.httpPath("abc"))
	assert.Equal(t, "/sql/1.0/endpoints/abc", Config{HTTPPath: "/sql/1.0/endpoints/%s"}.httpPath("abc"))
}
