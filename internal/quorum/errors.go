package quorum

import (
	stderrors "errors"
	"fmt"

	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// FailureKind classifies why a quorum read reached no decision
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureNotFound means a majority of locations hold no document
	FailureNotFound
	// FailureUpdateInProgress means a majority hold a write placeholder
	FailureUpdateInProgress
	// FailureLowSuccessRate means fewer than a majority answered
	FailureLowSuccessRate
	// FailureReadException means a majority answered but disagree or are unparsable
	FailureReadException
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNotFound:
		return "not_found"
	case FailureUpdateInProgress:
		return "update_in_progress"
	case FailureLowSuccessRate:
		return "low_success_rate"
	case FailureReadException:
		return "read_exception"
	default:
		return "unknown"
	}
}

// Error is a quorum failure. It unwraps to a TableError so callers can use
// the usual code helpers.
type Error struct {
	Kind      FailureKind
	Responses int
	Required  int
	err       *tableerrors.TableError
}

func newError(kind FailureKind, responses, required int) *Error {
	msg := fmt.Sprintf("configuration quorum failed (%s): %d of %d required", kind, responses, required)
	var te *tableerrors.TableError
	switch kind {
	case FailureNotFound:
		te = tableerrors.New(tableerrors.ErrCodeNotFound, msg, nil)
	case FailureReadException:
		te = tableerrors.Internal(msg, nil)
	default:
		te = tableerrors.Unavailable(msg, nil)
	}
	te.WithDetail("quorum_failure", kind.String())
	return &Error{Kind: kind, Responses: responses, Required: required, err: te}
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the failure kind; errors that are not quorum failures
// report FailureNone only when nil.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var qe *Error
	if stderrors.As(err, &qe) {
		return qe.Kind
	}
	return FailureReadException
}
