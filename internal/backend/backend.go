// Package backend defines the contracts of the storage services the replicated
// table is layered on: per-replica table clients and the blob locations that
// hold the quorum-replicated configuration.
package backend

import (
	"context"
	"time"
)

// AnyETag disables the physical precondition of a conditional operation.
const AnyETag = "*"

// Properties is a row's column bag keyed by column name.
type Properties map[string]interface{}

// Clone returns a shallow copy of the bag.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Row is one physical row as stored by a single replica.
type Row struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Timestamp    time.Time
	Properties   Properties
}

// Clone returns a copy of the row with its own property bag.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	out := *r
	out.Properties = r.Properties.Clone()
	return &out
}

// OpType is the kind of physical write submitted to a replica.
type OpType int

const (
	// OpInsert fails with AlreadyExists if the row is present.
	OpInsert OpType = iota
	// OpReplace fails with NotFound if absent and PreconditionFailed on etag mismatch.
	OpReplace
	// OpDelete fails with NotFound if absent and PreconditionFailed on etag mismatch.
	OpDelete
	// OpInsertOrReplace writes unconditionally.
	OpInsertOrReplace
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpInsertOrReplace:
		return "insert_or_replace"
	default:
		return "unknown"
	}
}

// Operation is a single physical write. ETag is the physical precondition for
// Replace and Delete.
type Operation struct {
	Type OpType
	Row  *Row
	ETag string
}

// Result is the outcome of one operation in a batch.
type Result struct {
	Row *Row
	Err error
}

// Query selects rows from one table. Empty fields are unconstrained; the range
// is [RowKeyFrom, RowKeyTo).
type Query struct {
	PartitionKey string
	RowKeyFrom   string
	RowKeyTo     string
	Limit        int
}

// Matches reports whether a row falls inside the query's key constraints.
func (q Query) Matches(row *Row) bool {
	if q.PartitionKey != "" && row.PartitionKey != q.PartitionKey {
		return false
	}
	if q.RowKeyFrom != "" && row.RowKey < q.RowKeyFrom {
		return false
	}
	if q.RowKeyTo != "" && row.RowKey >= q.RowKeyTo {
		return false
	}
	return true
}

// RowIterator streams query results lazily.
type RowIterator interface {
	Next(ctx context.Context) bool
	Row() *Row
	Err() error
	Close() error
}

// TableClient is the per-replica table service. Implementations return
// errors from internal/errors: NotFound, AlreadyExists, PreconditionFailed and
// ServiceUnavailable for transport failures.
type TableClient interface {
	Endpoint() string
	CreateTableIfNotExists(ctx context.Context, table string) error
	DeleteTableIfExists(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)
	ListTables(ctx context.Context) ([]string, error)
	Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error)
	Execute(ctx context.Context, table string, op Operation) (*Row, error)
	// ExecuteBatch applies all operations atomically. Every operation must target
	// the same partition key. On failure no operation is applied and the result
	// for the failing index carries the cause.
	ExecuteBatch(ctx context.Context, table string, ops []Operation) ([]Result, error)
	Query(ctx context.Context, table string, q Query) RowIterator
}

// BlobStore is one configuration location. An etag of "" on Write means the
// blob must not exist yet; AnyETag writes unconditionally.
type BlobStore interface {
	Name() string
	Read(ctx context.Context, key string) ([]byte, string, error)
	Write(ctx context.Context, key string, data []byte, etag string) (string, error)
	Ping(ctx context.Context) error
}
