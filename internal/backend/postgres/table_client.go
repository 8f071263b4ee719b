// Package postgres implements a replica table backend on PostgreSQL. Each
// logical table maps to one SQL table holding a jsonb property bag and an
// opaque etag column used for conditional writes.
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,55}$`)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableClient implements backend.TableClient for PostgreSQL
type TableClient struct {
	endpoint string
	pool     *pgxpool.Pool
	logger   *zap.Logger
}

// NewTableClient connects to a PostgreSQL replica
func NewTableClient(
	ctx context.Context,
	endpoint string,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*TableClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewTableClientWithPool(endpoint, pool, logger), nil
}

// NewTableClientWithPool wraps an existing pool
func NewTableClientWithPool(endpoint string, pool *pgxpool.Pool, logger *zap.Logger) *TableClient {
	return &TableClient{endpoint: endpoint, pool: pool, logger: logger}
}

// Endpoint returns the replica name
func (c *TableClient) Endpoint() string {
	return c.endpoint
}

// Close releases the pool
func (c *TableClient) Close() {
	c.pool.Close()
}

func sqlTable(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", tableerrors.InvalidArgument(fmt.Sprintf("invalid table name %q", name))
	}
	return pgx.Identifier{"rt_" + strings.ToLower(name)}.Sanitize(), nil
}

// CreateTableIfNotExists creates the backing SQL table
func (c *TableClient) CreateTableIfNotExists(ctx context.Context, name string) error {
	ident, err := sqlTable(name)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			etag TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			properties JSONB NOT NULL,
			PRIMARY KEY (partition_key, row_key)
		)
	`, ident)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return c.classify(err, "create table", "", "")
	}
	return nil
}

// DeleteTableIfExists drops the backing SQL table
func (c *TableClient) DeleteTableIfExists(ctx context.Context, name string) error {
	ident, err := sqlTable(name)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, ident)); err != nil {
		return c.classify(err, "drop table", "", "")
	}
	return nil
}

// TableExists checks the catalog for the backing table
func (c *TableClient) TableExists(ctx context.Context, name string) (bool, error) {
	if _, err := sqlTable(name); err != nil {
		return false, err
	}
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "rt_"+strings.ToLower(name)).Scan(&exists)
	if err != nil {
		return false, c.classify(err, "table exists", "", "")
	}
	return exists, nil
}

// ListTables returns the logical names of the backing tables. PostgreSQL
// folds identifiers, so names come back lower case.
func (c *TableClient) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT substring(table_name FROM 4)
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE 'rt\_%'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, c.classify(err, "list tables", "", "")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, c.classify(err, "list tables", "", "")
	}
	return names, nil
}

// Get reads one row
func (c *TableClient) Get(ctx context.Context, name, partitionKey, rowKey string) (*backend.Row, error) {
	ident, err := sqlTable(name)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, c.pool, name, ident, partitionKey, rowKey)
}

func (c *TableClient) get(ctx context.Context, q querier, name, ident, partitionKey, rowKey string) (*backend.Row, error) {
	query := fmt.Sprintf(`
		SELECT etag, updated_at, properties
		FROM %s
		WHERE partition_key = $1 AND row_key = $2
	`, ident)

	row := &backend.Row{PartitionKey: partitionKey, RowKey: rowKey}
	var raw []byte
	err := q.QueryRow(ctx, query, partitionKey, rowKey).Scan(&row.ETag, &row.Timestamp, &raw)
	if err != nil {
		return nil, c.classifyTable(err, name, partitionKey, rowKey)
	}
	if row.Properties, err = decodeProperties(raw); err != nil {
		return nil, tableerrors.Internal("failed to decode properties", err)
	}
	return row, nil
}

// Execute applies one operation outside a transaction
func (c *TableClient) Execute(ctx context.Context, name string, op backend.Operation) (*backend.Row, error) {
	ident, err := sqlTable(name)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, c.pool, name, ident, op)
}

// ExecuteBatch applies operations in one transaction
func (c *TableClient) ExecuteBatch(ctx context.Context, name string, ops []backend.Operation) ([]backend.Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ident, err := sqlTable(name)
	if err != nil {
		return nil, err
	}
	for _, op := range ops[1:] {
		if op.Row.PartitionKey != ops[0].Row.PartitionKey {
			return nil, tableerrors.InvalidArgument("batch operations must share one partition key")
		}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, c.classify(err, "begin batch", "", "")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	results := make([]backend.Result, len(ops))
	for i, op := range ops {
		row, err := c.apply(ctx, tx, name, ident, op)
		if err != nil {
			results[i].Err = err
			return results, err
		}
		results[i].Row = row
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, c.classify(err, "commit batch", "", "")
	}
	return results, nil
}

func (c *TableClient) apply(ctx context.Context, q querier, name, ident string, op backend.Operation) (*backend.Row, error) {
	if op.Row == nil {
		return nil, tableerrors.InvalidArgument("operation without row")
	}
	pk, rk := op.Row.PartitionKey, op.Row.RowKey

	if op.Type == backend.OpDelete {
		return c.delete(ctx, q, name, ident, op)
	}

	props, err := json.Marshal(op.Row.Properties)
	if err != nil {
		return nil, tableerrors.InvalidArgument(fmt.Sprintf("failed to encode properties: %v", err))
	}
	next := op.Row.Clone()
	next.ETag = uuid.NewString()
	next.Timestamp = time.Now().UTC()

	var tag pgconn.CommandTag
	switch op.Type {
	case backend.OpInsert:
		query := fmt.Sprintf(`
			INSERT INTO %s (partition_key, row_key, etag, updated_at, properties)
			VALUES ($1, $2, $3, $4, $5::jsonb)
		`, ident)
		tag, err = q.Exec(ctx, query, pk, rk, next.ETag, next.Timestamp, string(props))
	case backend.OpInsertOrReplace:
		query := fmt.Sprintf(`
			INSERT INTO %s (partition_key, row_key, etag, updated_at, properties)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (partition_key, row_key)
			DO UPDATE SET etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at, properties = EXCLUDED.properties
		`, ident)
		tag, err = q.Exec(ctx, query, pk, rk, next.ETag, next.Timestamp, string(props))
	case backend.OpReplace:
		query := fmt.Sprintf(`
			UPDATE %s
			SET etag = $3, updated_at = $4, properties = $5::jsonb
			WHERE partition_key = $1 AND row_key = $2 AND ($6 = '*' OR etag = $6)
		`, ident)
		tag, err = q.Exec(ctx, query, pk, rk, next.ETag, next.Timestamp, string(props), op.ETag)
	default:
		return nil, tableerrors.InvalidArgument("unsupported operation " + op.Type.String())
	}
	if err != nil {
		return nil, c.classifyTable(err, name, pk, rk)
	}
	if tag.RowsAffected() == 0 {
		return nil, c.explainMiss(ctx, q, name, ident, op)
	}
	return next, nil
}

func (c *TableClient) delete(ctx context.Context, q querier, name, ident string, op backend.Operation) (*backend.Row, error) {
	pk, rk := op.Row.PartitionKey, op.Row.RowKey
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE partition_key = $1 AND row_key = $2 AND ($3 = '*' OR etag = $3)
		RETURNING etag, updated_at, properties
	`, ident)

	deleted := &backend.Row{PartitionKey: pk, RowKey: rk}
	var raw []byte
	err := q.QueryRow(ctx, query, pk, rk, op.ETag).Scan(&deleted.ETag, &deleted.Timestamp, &raw)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, c.explainMiss(ctx, q, name, ident, op)
	}
	if err != nil {
		return nil, c.classifyTable(err, name, pk, rk)
	}
	if deleted.Properties, err = decodeProperties(raw); err != nil {
		return nil, tableerrors.Internal("failed to decode properties", err)
	}
	return deleted, nil
}

// explainMiss turns a zero-row conditional write into NotFound or PreconditionFailed.
func (c *TableClient) explainMiss(ctx context.Context, q querier, name, ident string, op backend.Operation) error {
	current, err := c.get(ctx, q, name, ident, op.Row.PartitionKey, op.Row.RowKey)
	if err != nil {
		return err
	}
	return tableerrors.PreconditionFailed(op.ETag, current.ETag)
}

// Query streams rows ordered by key
func (c *TableClient) Query(ctx context.Context, name string, q backend.Query) backend.RowIterator {
	return &rowIterator{client: c, table: name, query: q}
}

func buildQuery(ident string, q backend.Query) (string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.PartitionKey != "" {
		add("partition_key = $%d", q.PartitionKey)
	}
	if q.RowKeyFrom != "" {
		add("row_key >= $%d", q.RowKeyFrom)
	}
	if q.RowKeyTo != "" {
		add("row_key < $%d", q.RowKeyTo)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT partition_key, row_key, etag, updated_at, properties FROM %s", ident)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY partition_key, row_key")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

type rowIterator struct {
	client *TableClient
	table  string
	query  backend.Query

	rows pgx.Rows
	row  *backend.Row
	err  error
}

func (it *rowIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.rows == nil {
		ident, err := sqlTable(it.table)
		if err != nil {
			it.err = err
			return false
		}
		sql, args := buildQuery(ident, it.query)
		it.rows, err = it.client.pool.Query(ctx, sql, args...)
		if err != nil {
			it.err = it.client.classifyTable(err, it.table, "", "")
			return false
		}
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = it.client.classifyTable(err, it.table, "", "")
		}
		return false
	}

	row := &backend.Row{}
	var raw []byte
	if err := it.rows.Scan(&row.PartitionKey, &row.RowKey, &row.ETag, &row.Timestamp, &raw); err != nil {
		it.err = tableerrors.Internal("failed to scan row", err)
		return false
	}
	props, err := decodeProperties(raw)
	if err != nil {
		it.err = tableerrors.Internal("failed to decode properties", err)
		return false
	}
	row.Properties = props
	it.row = row
	return true
}

func (it *rowIterator) Row() *backend.Row {
	return it.row
}

func (it *rowIterator) Err() error {
	return it.err
}

func (it *rowIterator) Close() error {
	if it.rows != nil {
		it.rows.Close()
	}
	return nil
}

func decodeProperties(raw []byte) (backend.Properties, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	props := backend.Properties{}
	if err := dec.Decode(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func (c *TableClient) classifyTable(err error, table, pk, rk string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return tableerrors.TableNotFound(table)
	}
	return c.classify(err, "row operation", pk, rk)
}

// classify maps driver errors onto table error codes. Anything that is not a
// server-reported constraint outcome is treated as an unreachable replica.
func (c *TableClient) classify(err error, action, pk, rk string) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return tableerrors.NotFound(pk, rk)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return tableerrors.AlreadyExists(pk, rk)
		}
		return tableerrors.Internal(fmt.Sprintf("postgres %s failed", action), err)
	}
	c.logger.Debug("Postgres replica call failed",
		zap.String("endpoint", c.endpoint),
		zap.String("action", action),
		zap.Error(err))
	return tableerrors.Unavailable(fmt.Sprintf("replica %s unavailable", c.endpoint), err)
}
