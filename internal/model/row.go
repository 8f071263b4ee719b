package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Properties is the application column bag of a row
type Properties = backend.Properties

// Reserved replication columns stored next to application columns
const (
	ColumnPrefix          = "_rtable_"
	ColumnRowLock         = ColumnPrefix + "RowLock"
	ColumnVersion         = ColumnPrefix + "Version"
	ColumnTombstone       = ColumnPrefix + "Tombstone"
	ColumnViewID          = ColumnPrefix + "ViewId"
	ColumnOperation       = ColumnPrefix + "Operation"
	ColumnBatchID         = ColumnPrefix + "BatchId"
	ColumnLockAcquisition = ColumnPrefix + "LockAcquisition"
)

// OperationKind is the logical mutation that last touched a row
type OperationKind int

const (
	OpKindNone OperationKind = iota
	OpKindInsert
	OpKindReplace
	OpKindMerge
	OpKindDelete
	OpKindInsertOrReplace
	OpKindInsertOrMerge
	OpKindRetrieve
)

var operationNames = map[OperationKind]string{
	OpKindNone:            "None",
	OpKindInsert:          "Insert",
	OpKindReplace:         "Replace",
	OpKindMerge:           "Merge",
	OpKindDelete:          "Delete",
	OpKindInsertOrReplace: "InsertOrReplace",
	OpKindInsertOrMerge:   "InsertOrMerge",
	OpKindRetrieve:        "Retrieve",
}

func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(k))
}

// ParseOperationKind is the inverse of String.
func ParseOperationKind(s string) (OperationKind, error) {
	for k, name := range operationNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return OpKindNone, fmt.Errorf("unknown operation %q", s)
}

// IsWrite reports whether the operation mutates the row
func (k OperationKind) IsWrite() bool {
	return k != OpKindNone && k != OpKindRetrieve
}

// RowMode selects how rows without replication metadata are treated
type RowMode int

const (
	// RowModeReplicated requires every row to carry replication metadata
	RowModeReplicated RowMode = iota
	// RowModeLegacy accepts rows written before the table was replicated
	RowModeLegacy
)

// RowMeta is the replication state stored in the reserved columns
type RowMeta struct {
	RowLock         bool
	Version         int64
	Tombstone       bool
	ViewID          int64
	Operation       OperationKind
	BatchID         string
	LockAcquisition time.Time
	// Legacy is set when the row carried no metadata and was decoded in legacy mode.
	Legacy bool
}

// LockExpired reports whether a held lock is old enough to be recovered.
func (m RowMeta) LockExpired(now time.Time, timeout time.Duration) bool {
	return m.RowLock && now.Sub(m.LockAcquisition) >= timeout
}

// IsReservedColumn reports whether the name belongs to replication metadata
func IsReservedColumn(name string) bool {
	return strings.HasPrefix(name, ColumnPrefix)
}

// EncodeRow merges replication metadata into a copy of the application columns.
func EncodeRow(meta RowMeta, props Properties) Properties {
	out := make(Properties, len(props)+7)
	for k, v := range props {
		if !IsReservedColumn(k) {
			out[k] = v
		}
	}
	out[ColumnRowLock] = meta.RowLock
	out[ColumnVersion] = meta.Version
	out[ColumnTombstone] = meta.Tombstone
	out[ColumnViewID] = meta.ViewID
	out[ColumnOperation] = meta.Operation.String()
	out[ColumnBatchID] = meta.BatchID
	if meta.LockAcquisition.IsZero() {
		out[ColumnLockAcquisition] = ""
	} else {
		out[ColumnLockAcquisition] = meta.LockAcquisition.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// HasMeta reports whether a property bag carries replication metadata
func HasMeta(props Properties) bool {
	_, ok := props[ColumnVersion]
	return ok
}

// DecodeRow splits a stored property bag into metadata and application columns.
// Backends may hand numbers back as float64, json.Number or strings and times
// as strings, so decoding is lenient about representation.
func DecodeRow(props Properties, mode RowMode) (RowMeta, Properties, error) {
	app := make(Properties, len(props))
	for k, v := range props {
		if !IsReservedColumn(k) {
			app[k] = v
		}
	}

	if !HasMeta(props) {
		if mode == RowModeLegacy {
			return RowMeta{Legacy: true}, app, nil
		}
		return RowMeta{}, nil, tableerrors.Configuration("row has no replication metadata")
	}

	var meta RowMeta
	var err error
	if meta.Version, err = toInt64(props[ColumnVersion]); err != nil {
		return RowMeta{}, nil, decodeError(ColumnVersion, err)
	}
	if meta.ViewID, err = toInt64(props[ColumnViewID]); err != nil {
		return RowMeta{}, nil, decodeError(ColumnViewID, err)
	}
	if meta.RowLock, err = toBool(props[ColumnRowLock]); err != nil {
		return RowMeta{}, nil, decodeError(ColumnRowLock, err)
	}
	if meta.Tombstone, err = toBool(props[ColumnTombstone]); err != nil {
		return RowMeta{}, nil, decodeError(ColumnTombstone, err)
	}
	if meta.LockAcquisition, err = toTime(props[ColumnLockAcquisition]); err != nil {
		return RowMeta{}, nil, decodeError(ColumnLockAcquisition, err)
	}
	if s, ok := props[ColumnOperation].(string); ok && s != "" {
		if meta.Operation, err = ParseOperationKind(s); err != nil {
			return RowMeta{}, nil, decodeError(ColumnOperation, err)
		}
	}
	if s, ok := props[ColumnBatchID].(string); ok {
		meta.BatchID = s
	}
	return meta, app, nil
}

func decodeError(column string, err error) error {
	return tableerrors.Internal(fmt.Sprintf("invalid %s column", column), err)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, t)
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}
