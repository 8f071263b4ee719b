// Package memory provides in-process implementations of the backend contracts
// with real etag and batch semantics. They back tests and single-process
// deployments.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Interceptor can fail a call before it reaches the table. method is one of
// "get", "execute", "batch", "query" or "table".
type Interceptor func(method, table string, ops []backend.Operation) error

type table struct {
	rows *skipList
}

// TableClient is an in-memory replica
type TableClient struct {
	endpoint string

	mu     sync.RWMutex
	tables map[string]*table

	etagSeq     atomic.Uint64
	down        atomic.Bool
	interceptor atomic.Pointer[Interceptor]
}

// NewTableClient creates an empty replica reachable under endpoint
func NewTableClient(endpoint string) *TableClient {
	return &TableClient{
		endpoint: endpoint,
		tables:   make(map[string]*table),
	}
}

// Endpoint returns the replica name
func (c *TableClient) Endpoint() string {
	return c.endpoint
}

// SetDown makes every call fail with ServiceUnavailable while set.
func (c *TableClient) SetDown(down bool) {
	c.down.Store(down)
}

// SetInterceptor installs a failure hook; nil removes it.
func (c *TableClient) SetInterceptor(fn Interceptor) {
	if fn == nil {
		c.interceptor.Store(nil)
		return
	}
	c.interceptor.Store(&fn)
}

func (c *TableClient) check(method, tableName string, ops []backend.Operation) error {
	if c.down.Load() {
		return tableerrors.Unavailable("replica "+c.endpoint+" is unreachable", nil)
	}
	if fn := c.interceptor.Load(); fn != nil {
		return (*fn)(method, tableName, ops)
	}
	return nil
}

func (c *TableClient) nextETag() string {
	return strconv.FormatUint(c.etagSeq.Add(1), 10)
}

// CreateTableIfNotExists creates the table when absent
func (c *TableClient) CreateTableIfNotExists(ctx context.Context, name string) error {
	if err := c.check("table", name, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		c.tables[name] = &table{rows: newSkipList()}
	}
	return nil
}

// DeleteTableIfExists drops the table and its rows
func (c *TableClient) DeleteTableIfExists(ctx context.Context, name string) error {
	if err := c.check("table", name, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, name)
	return nil
}

// TableExists reports whether the table was created
func (c *TableClient) TableExists(ctx context.Context, name string) (bool, error) {
	if err := c.check("table", name, nil); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[name]
	return ok, nil
}

// ListTables returns the table names in sorted order
func (c *TableClient) ListTables(ctx context.Context) ([]string, error) {
	if err := c.check("table", "", nil); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns a copy of the stored row
func (c *TableClient) Get(ctx context.Context, name, partitionKey, rk string) (*backend.Row, error) {
	if err := c.check("get", name, nil); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, tableerrors.TableNotFound(name)
	}
	row, ok := t.rows.get(rowKey(partitionKey, rk))
	if !ok {
		return nil, tableerrors.NotFound(partitionKey, rk)
	}
	return row.Clone(), nil
}

// Execute applies one operation
func (c *TableClient) Execute(ctx context.Context, name string, op backend.Operation) (*backend.Row, error) {
	if err := c.check("execute", name, []backend.Operation{op}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, tableerrors.TableNotFound(name)
	}
	staged := map[string]*backend.Row{}
	row, err := c.apply(t, staged, op)
	if err != nil {
		return nil, err
	}
	c.commit(t, staged)
	return row.Clone(), nil
}

// ExecuteBatch applies operations on a single partition atomically
func (c *TableClient) ExecuteBatch(ctx context.Context, name string, ops []backend.Operation) ([]backend.Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := c.check("batch", name, ops); err != nil {
		return nil, err
	}
	pk := ops[0].Row.PartitionKey
	for _, op := range ops[1:] {
		if op.Row.PartitionKey != pk {
			return nil, tableerrors.InvalidArgument("batch operations must share one partition key")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, tableerrors.TableNotFound(name)
	}

	results := make([]backend.Result, len(ops))
	staged := map[string]*backend.Row{}
	for i, op := range ops {
		row, err := c.apply(t, staged, op)
		if err != nil {
			results[i].Err = err
			return results, err
		}
		results[i].Row = row.Clone()
	}
	c.commit(t, staged)
	return results, nil
}

// apply validates op against the table overlaid with staged writes and
// records the outcome in staged. A nil staged row is a delete.
func (c *TableClient) apply(t *table, staged map[string]*backend.Row, op backend.Operation) (*backend.Row, error) {
	if op.Row == nil {
		return nil, tableerrors.InvalidArgument("operation without row")
	}
	key := rowKey(op.Row.PartitionKey, op.Row.RowKey)

	current, exists := staged[key]
	if !exists {
		current, _ = t.rows.get(key)
	}

	switch op.Type {
	case backend.OpInsert:
		if current != nil {
			return nil, tableerrors.AlreadyExists(op.Row.PartitionKey, op.Row.RowKey)
		}
	case backend.OpReplace, backend.OpDelete:
		if current == nil {
			return nil, tableerrors.NotFound(op.Row.PartitionKey, op.Row.RowKey)
		}
		if op.ETag != backend.AnyETag && op.ETag != current.ETag {
			return nil, tableerrors.PreconditionFailed(op.ETag, current.ETag)
		}
	case backend.OpInsertOrReplace:
	default:
		return nil, tableerrors.InvalidArgument("unsupported operation " + op.Type.String())
	}

	if op.Type == backend.OpDelete {
		staged[key] = nil
		return current, nil
	}

	next := op.Row.Clone()
	next.ETag = c.nextETag()
	next.Timestamp = time.Now().UTC()
	staged[key] = next
	return next, nil
}

func (c *TableClient) commit(t *table, staged map[string]*backend.Row) {
	for key, row := range staged {
		if row == nil {
			t.rows.remove(key)
			continue
		}
		t.rows.put(key, row)
	}
}

// Query snapshots matching rows; the snapshot is taken on the first Next.
func (c *TableClient) Query(ctx context.Context, name string, q backend.Query) backend.RowIterator {
	return &rowIterator{client: c, table: name, query: q}
}

func (c *TableClient) snapshot(name string, q backend.Query) ([]*backend.Row, error) {
	if err := c.check("query", name, nil); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, tableerrors.TableNotFound(name)
	}

	from := ""
	if q.PartitionKey != "" {
		from = rowKey(q.PartitionKey, q.RowKeyFrom)
	}
	var rows []*backend.Row
	t.rows.scan(from, func(row *backend.Row) bool {
		if q.PartitionKey != "" && row.PartitionKey != q.PartitionKey {
			return false
		}
		if q.Matches(row) {
			rows = append(rows, row.Clone())
		}
		return q.Limit <= 0 || len(rows) < q.Limit
	})
	return rows, nil
}

type rowIterator struct {
	client *TableClient
	table  string
	query  backend.Query

	rows    []*backend.Row
	pos     int
	started bool
	err     error
}

func (it *rowIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if !it.started {
		it.started = true
		it.rows, it.err = it.client.snapshot(it.table, it.query)
		if it.err != nil {
			return false
		}
		it.pos = -1
	}
	it.pos++
	return it.pos < len(it.rows)
}

func (it *rowIterator) Row() *backend.Row {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

func (it *rowIterator) Err() error {
	return it.err
}

func (it *rowIterator) Close() error {
	it.rows = nil
	return nil
}
