package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode classifies failures surfaced by the replicated table layer and by
// the backends underneath it.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeNotFound           ErrorCode = 1001
	ErrCodeConflict           ErrorCode = 1002
	ErrCodePreconditionFailed ErrorCode = 1003
	ErrCodeAlreadyExists      ErrorCode = 1004
	ErrCodeStaleView          ErrorCode = 1005
	ErrCodeConfiguration      ErrorCode = 1006

	// Server errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeServiceUnavailable ErrorCode = 2001
)

// String returns a stable name for the code, used in metrics labels and API bodies.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeConflict:
		return "CONFLICT"
	case ErrCodePreconditionFailed:
		return "PRECONDITION_FAILED"
	case ErrCodeAlreadyExists:
		return "ALREADY_EXISTS"
	case ErrCodeStaleView:
		return "STALE_VIEW"
	case ErrCodeConfiguration:
		return "CONFIGURATION_ERROR"
	case ErrCodeServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// TableError is a structured error carrying a code and context
type TableError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *TableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TableError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts the error to a gRPC status
func (e *TableError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *TableError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeConfiguration:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeConflict, ErrCodeStaleView:
		return codes.Aborted
	case ErrCodePreconditionFailed:
		return codes.FailedPrecondition
	case ErrCodeServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// New creates a new TableError
func New(code ErrorCode, message string, cause error) *TableError {
	return &TableError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *TableError) WithDetail(key string, value interface{}) *TableError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string) *TableError {
	return New(ErrCodeInvalidArgument, message, nil)
}

func NotFound(partitionKey, rowKey string) *TableError {
	return New(ErrCodeNotFound, fmt.Sprintf("row not found: %s/%s", partitionKey, rowKey), nil).
		WithDetail("partition_key", partitionKey).
		WithDetail("row_key", rowKey)
}

func TableNotFound(table string) *TableError {
	return New(ErrCodeNotFound, fmt.Sprintf("table not found: %s", table), nil).
		WithDetail("table", table)
}

func Conflict(message string) *TableError {
	return New(ErrCodeConflict, message, nil)
}

func AlreadyExists(partitionKey, rowKey string) *TableError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("row already exists: %s/%s", partitionKey, rowKey), nil).
		WithDetail("partition_key", partitionKey).
		WithDetail("row_key", rowKey)
}

func PreconditionFailed(expected, actual string) *TableError {
	return New(ErrCodePreconditionFailed, fmt.Sprintf("etag mismatch: expected %s, current %s", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func StaleView(viewID, rowViewID int64) *TableError {
	return New(ErrCodeStaleView, fmt.Sprintf("cached view %d is older than row view %d", viewID, rowViewID), nil).
		WithDetail("view_id", viewID).
		WithDetail("row_view_id", rowViewID)
}

func Configuration(message string) *TableError {
	return New(ErrCodeConfiguration, message, nil)
}

func Unavailable(message string, cause error) *TableError {
	return New(ErrCodeServiceUnavailable, message, cause)
}

func Internal(message string, cause error) *TableError {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from anywhere in an error chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var te *TableError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetriable reports whether a caller may retry the same request unchanged.
func IsRetriable(err error) bool {
	switch GetCode(err) {
	case ErrCodeConflict, ErrCodeServiceUnavailable, ErrCodeStaleView:
		return true
	default:
		return false
	}
}

// ReconfigStatus accumulates per-row outcomes of repair operations.
type ReconfigStatus int

const ReconfigSuccess ReconfigStatus = 0

const (
	ReconfigPartialFailure ReconfigStatus = 1 << iota
	ReconfigLockFailure
	ReconfigUnlockFailure
	ReconfigFaultyWriteView
)

// Has reports whether all bits of flag are set.
func (s ReconfigStatus) Has(flag ReconfigStatus) bool {
	return flag != 0 && s&flag == flag
}

func (s ReconfigStatus) String() string {
	if s == ReconfigSuccess {
		return "success"
	}
	var parts []string
	if s.Has(ReconfigPartialFailure) {
		parts = append(parts, "partial_failure")
	}
	if s.Has(ReconfigLockFailure) {
		parts = append(parts, "lock_failure")
	}
	if s.Has(ReconfigUnlockFailure) {
		parts = append(parts, "unlock_failure")
	}
	if s.Has(ReconfigFaultyWriteView) {
		parts = append(parts, "faulty_write_view")
	}
	return strings.Join(parts, "|")
}
