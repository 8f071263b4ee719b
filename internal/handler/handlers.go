// Package handler provides HTTP request handlers for the data and management APIs.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/service"
)

// TableService is the replicated table engine.
type TableService interface {
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)

	Retrieve(ctx context.Context, table, partitionKey, rowKey string) (*model.Entity, error)
	Insert(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)
	Replace(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)
	Merge(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)
	Delete(ctx context.Context, table, partitionKey, rowKey, etag string) error
	InsertOrReplace(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)
	InsertOrMerge(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)
	ExecuteBatch(ctx context.Context, table string, ops []service.BatchOperation) ([]*model.Entity, error)
	QueryAll(ctx context.Context, table string, q backend.Query) ([]*model.Entity, error)
	Flush2PC(ctx context.Context, table, partitionKey, rowKey string) (*model.Entity, error)

	RepairRow(ctx context.Context, table, partitionKey, rowKey string) (tableerrors.ReconfigStatus, error)
	RepairTable(ctx context.Context, table string, watermark int64) (tableerrors.ReconfigStatus, error)
	ConvertLegacyTable(ctx context.Context, table string) (service.ConvertResult, error)
}

// Handlers serves the data API.
type Handlers struct {
	tables       TableService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewHandlers creates the data API handlers. Request deadlines come from the
// router.
func NewHandlers(tables TableService, errorHandler *ErrorHandler, logger *zap.Logger) *Handlers {
	return &Handlers{
		tables:       tables,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// EntityRequest is the body of row writes. Keys in the path win over keys in
// the body.
type EntityRequest struct {
	PartitionKey string           `json:"partition_key"`
	RowKey       string           `json:"row_key"`
	Properties   model.Properties `json:"properties"`
}

// BatchRequest is the body of POST /batch
type BatchRequest struct {
	Operations []BatchOperationRequest `json:"operations"`
}

// BatchOperationRequest is one batch entry. Op is an operation name such as
// "Insert" or "InsertOrMerge".
type BatchOperationRequest struct {
	Op           string           `json:"op"`
	PartitionKey string           `json:"partition_key"`
	RowKey       string           `json:"row_key"`
	ETag         string           `json:"etag,omitempty"`
	Properties   model.Properties `json:"properties,omitempty"`
}

// BatchResponse lists one result per operation, nil for deletes.
type BatchResponse struct {
	Results []*model.Entity `json:"results"`
}

// QueryResponse is the body of GET /rows
type QueryResponse struct {
	Entities []*model.Entity `json:"entities"`
	Count    int             `json:"count"`
}

// RepairResponse reports the accumulated repair status
type RepairResponse struct {
	Status string `json:"status"`
}

// CreateTable handles POST /v1/tables/{table}
func (h *Handlers) CreateTable(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	ctx := r.Context()

	if err := h.tables.CreateTable(ctx, table); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]string{"table": table})
}

// DeleteTable handles DELETE /v1/tables/{table}
func (h *Handlers) DeleteTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.tables.DeleteTable(ctx, mux.Vars(r)["table"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TableExists handles GET /v1/tables/{table}
func (h *Handlers) TableExists(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	ctx := r.Context()

	exists, err := h.tables.TableExists(ctx, table)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !exists {
		h.errorHandler.HandleError(w, r, tableerrors.TableNotFound(table))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"table": table, "exists": true})
}

// GetRow handles GET /v1/tables/{table}/rows/{pk}/{rk}
func (h *Handlers) GetRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	entity, err := h.tables.Retrieve(ctx, vars["table"], vars["pk"], vars["rk"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeEntity(w, http.StatusOK, entity)
}

// InsertRow handles POST /v1/tables/{table}/rows
func (h *Handlers) InsertRow(w http.ResponseWriter, r *http.Request) {
	var req EntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, r, "invalid request body: "+err.Error())
		return
	}
	ctx := r.Context()

	entity, err := h.tables.Insert(ctx, mux.Vars(r)["table"], &model.Entity{
		PartitionKey: req.PartitionKey,
		RowKey:       req.RowKey,
		Properties:   req.Properties,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeEntity(w, http.StatusCreated, entity)
}

// ReplaceRow handles PUT /v1/tables/{table}/rows/{pk}/{rk}. With
// ?upsert=true the row is written whatever its state.
func (h *Handlers) ReplaceRow(w http.ResponseWriter, r *http.Request) {
	h.writeRow(w, r, h.tables.Replace, h.tables.InsertOrReplace)
}

// MergeRow handles PATCH /v1/tables/{table}/rows/{pk}/{rk}
func (h *Handlers) MergeRow(w http.ResponseWriter, r *http.Request) {
	h.writeRow(w, r, h.tables.Merge, h.tables.InsertOrMerge)
}

type writeFunc func(ctx context.Context, table string, entity *model.Entity) (*model.Entity, error)

func (h *Handlers) writeRow(w http.ResponseWriter, r *http.Request, conditional, upsert writeFunc) {
	vars := mux.Vars(r)

	var req EntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, r, "invalid request body: "+err.Error())
		return
	}

	write := conditional
	if v := r.URL.Query().Get("upsert"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			h.errorHandler.WriteValidationError(w, r, "upsert must be a boolean")
			return
		}
		if on {
			write = upsert
		}
	}

	ctx := r.Context()

	entity, err := write(ctx, vars["table"], &model.Entity{
		PartitionKey: vars["pk"],
		RowKey:       vars["rk"],
		ETag:         ifMatch(r),
		Properties:   req.Properties,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeEntity(w, http.StatusOK, entity)
}

// DeleteRow handles DELETE /v1/tables/{table}/rows/{pk}/{rk}
func (h *Handlers) DeleteRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	if err := h.tables.Delete(ctx, vars["table"], vars["pk"], vars["rk"], ifMatch(r)); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FlushRow handles POST /v1/tables/{table}/rows/{pk}/{rk}/flush
func (h *Handlers) FlushRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	entity, err := h.tables.Flush2PC(ctx, vars["table"], vars["pk"], vars["rk"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeEntity(w, http.StatusOK, entity)
}

// ExecuteBatch handles POST /v1/tables/{table}/batch
func (h *Handlers) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, r, "invalid request body: "+err.Error())
		return
	}

	ops := make([]service.BatchOperation, 0, len(req.Operations))
	for _, op := range req.Operations {
		kind, err := model.ParseOperationKind(op.Op)
		if err != nil {
			h.errorHandler.WriteValidationError(w, r, err.Error())
			return
		}
		ops = append(ops, service.BatchOperation{
			Kind: kind,
			Entity: &model.Entity{
				PartitionKey: op.PartitionKey,
				RowKey:       op.RowKey,
				ETag:         unquoteETag(op.ETag),
				Properties:   op.Properties,
			},
		})
	}

	ctx := r.Context()

	results, err := h.tables.ExecuteBatch(ctx, mux.Vars(r)["table"], ops)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, BatchResponse{Results: results})
}

// Query handles GET /v1/tables/{table}/rows?pk=&from=&to=&limit=
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := backend.Query{
		PartitionKey: params.Get("pk"),
		RowKeyFrom:   params.Get("from"),
		RowKeyTo:     params.Get("to"),
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.errorHandler.WriteValidationError(w, r, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	ctx := r.Context()

	entities, err := h.tables.QueryAll(ctx, mux.Vars(r)["table"], q)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if entities == nil {
		entities = []*model.Entity{}
	}
	writeJSONResponse(w, http.StatusOK, QueryResponse{Entities: entities, Count: len(entities)})
}

// RepairTable handles POST /v1/tables/{table}/repair?watermark=
func (h *Handlers) RepairTable(w http.ResponseWriter, r *http.Request) {
	var watermark int64
	if v := r.URL.Query().Get("watermark"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorHandler.WriteValidationError(w, r, "watermark must be an integer")
			return
		}
		watermark = parsed
	}

	// Repairs walk whole tables and are not bound by the request timeout
	status, err := h.tables.RepairTable(r.Context(), mux.Vars(r)["table"], watermark)
	h.writeRepair(w, r, status, err)
}

// RepairRow handles POST /v1/tables/{table}/rows/{pk}/{rk}/repair
func (h *Handlers) RepairRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	status, err := h.tables.RepairRow(ctx, vars["table"], vars["pk"], vars["rk"])
	h.writeRepair(w, r, status, err)
}

func (h *Handlers) writeRepair(w http.ResponseWriter, r *http.Request, status tableerrors.ReconfigStatus, err error) {
	if err != nil {
		h.logger.Warn("Repair failed", zap.String("status", status.String()), zap.Error(err))
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, RepairResponse{Status: status.String()})
}

// ConvertTable handles POST /v1/tables/{table}/convert
func (h *Handlers) ConvertTable(w http.ResponseWriter, r *http.Request) {
	result, err := h.tables.ConvertLegacyTable(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// ifMatch returns the version token of the If-Match header. Quoted and weak
// forms are accepted.
func ifMatch(r *http.Request) string {
	return unquoteETag(r.Header.Get("If-Match"))
}

func unquoteETag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	if len(tag) >= 2 && strings.HasPrefix(tag, `"`) && strings.HasSuffix(tag, `"`) {
		tag = tag[1 : len(tag)-1]
	}
	return tag
}

func writeEntity(w http.ResponseWriter, statusCode int, entity *model.Entity) {
	if entity.ETag != "" {
		w.Header().Set("ETag", `"`+entity.ETag+`"`)
	}
	writeJSONResponse(w, statusCode, entity)
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
