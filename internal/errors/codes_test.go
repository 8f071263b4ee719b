package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestGetCode_WrappedChain(t *testing.T) {
	base := Conflict("row locked")
	wrapped := fmt.Errorf("insert failed: %w", base)

	assert.Equal(t, ErrCodeConflict, GetCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeConflict))
	assert.False(t, IsCode(nil, ErrCodeConflict))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, ErrCodeOK, GetCode(nil))
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		err  *TableError
		want codes.Code
	}{
		{NotFound("pk", "rk"), codes.NotFound},
		{Conflict("locked"), codes.Aborted},
		{PreconditionFailed("1", "2"), codes.FailedPrecondition},
		{StaleView(3, 4), codes.Aborted},
		{Configuration("bad chain"), codes.InvalidArgument},
		{Unavailable("replica down", nil), codes.Unavailable},
		{AlreadyExists("pk", "rk"), codes.AlreadyExists},
		{Internal("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(Conflict("x")))
	assert.True(t, IsRetriable(Unavailable("x", nil)))
	assert.True(t, IsRetriable(StaleView(1, 2)))
	assert.False(t, IsRetriable(PreconditionFailed("1", "2")))
	assert.False(t, IsRetriable(NotFound("a", "b")))
}

func TestReconfigStatus_Combine(t *testing.T) {
	s := ReconfigSuccess
	assert.Equal(t, "success", s.String())

	s |= ReconfigLockFailure
	s |= ReconfigPartialFailure
	assert.True(t, s.Has(ReconfigLockFailure))
	assert.True(t, s.Has(ReconfigPartialFailure))
	assert.False(t, s.Has(ReconfigUnlockFailure))
	assert.False(t, s.Has(ReconfigSuccess))
	assert.Equal(t, "partial_failure|lock_failure", s.String())
}

func TestTableError_Details(t *testing.T) {
	err := NotFound("p1", "r1")
	assert.Equal(t, "p1", err.Details["partition_key"])
	assert.Equal(t, "row not found: p1/r1", err.Error())

	cause := fmt.Errorf("dial tcp: refused")
	wrapped := Unavailable("replica unreachable", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "replica unreachable: dial tcp: refused", wrapped.Error())
}
