package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/middleware"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandler turns table errors into HTTP responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err with the status its code maps to.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var te *tableerrors.TableError
	if !errors.As(err, &te) {
		te = tableerrors.Internal("unexpected error", err)
	}

	statusCode := HTTPStatus(te)
	if tableerrors.IsRetriable(te) {
		w.Header().Set("Retry-After", "1")
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}

	h.WriteErrorResponse(w, r, statusCode, ErrorResponse{
		ErrorCode: te.Code.String(),
		Message:   te.Error(),
		Details:   te.Details,
	})
}

// WriteValidationError writes a 400 for a malformed request.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.WriteErrorResponse(w, r, http.StatusBadRequest, ErrorResponse{
		ErrorCode: tableerrors.ErrCodeInvalidArgument.String(),
		Message:   message,
	})
}

// WriteErrorResponse writes a JSON error body.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, resp ErrorResponse) {
	resp.Status = "error"
	resp.RequestID = middleware.GetRequestID(r.Context())

	h.logger.Debug("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", resp.ErrorCode),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// HTTPStatus maps a table error onto an HTTP status through its gRPC code.
// Configuration errors and stale views get their own statuses.
func HTTPStatus(te *tableerrors.TableError) int {
	switch te.Code {
	case tableerrors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case tableerrors.ErrCodeStaleView:
		return http.StatusConflict
	}

	switch te.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
