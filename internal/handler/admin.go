package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	tableerrors "github.com/devrev/chaintable/internal/errors"
	"github.com/devrev/chaintable/internal/model"
	"github.com/devrev/chaintable/internal/util/workerpool"
)

// ConfigService reads and publishes the replicated configuration.
type ConfigService interface {
	GetConfiguration(ctx context.Context) (*model.Configuration, error)
	ReplaceConfiguration(ctx context.Context, doc *model.Configuration) (*model.Configuration, error)
	GetView(ctx context.Context, name string) (*model.View, error)
}

// ReplicaService moves replicas in and out of chains.
type ReplicaService interface {
	TurnReplicaOnAsync(viewName, endpoint string) (string, error)
	TurnReplicaOff(ctx context.Context, viewName, endpoint string) error
	Job(id string) (workerpool.JobInfo, bool)
}

// AdminHandlers serves the management API.
type AdminHandlers struct {
	configs      ConfigService
	replicas     ReplicaService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewAdminHandlers creates the management API handlers
func NewAdminHandlers(configs ConfigService, replicas ReplicaService, errorHandler *ErrorHandler, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{
		configs:      configs,
		replicas:     replicas,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// ViewResponse describes one view as currently cached.
type ViewResponse struct {
	model.ViewRecord
	Stable    bool     `json:"stable"`
	Endpoints []string `json:"endpoints"`
}

// JobResponse is returned when a reconfiguration is queued
type JobResponse struct {
	JobID string `json:"job_id"`
}

// GetConfiguration handles GET /v1/admin/configuration
func (h *AdminHandlers) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := h.configs.GetConfiguration(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cfg)
}

// PutConfiguration handles PUT /v1/admin/configuration. The body replaces
// the whole document; views whose content changed get new ids.
func (h *AdminHandlers) PutConfiguration(w http.ResponseWriter, r *http.Request) {
	var doc model.Configuration
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.errorHandler.WriteValidationError(w, r, "invalid configuration: "+err.Error())
		return
	}
	ctx := r.Context()

	published, err := h.configs.ReplaceConfiguration(ctx, &doc)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.logger.Info("Configuration replaced", zap.String("id", published.ID))
	writeJSONResponse(w, http.StatusOK, published)
}

// GetView handles GET /v1/admin/views/{view}
func (h *AdminHandlers) GetView(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["view"]
	ctx := r.Context()

	cfg, err := h.configs.GetConfiguration(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	rec := cfg.FindView(name)
	if rec == nil {
		h.errorHandler.HandleError(w, r, tableerrors.New(tableerrors.ErrCodeNotFound, "view not found: "+name, nil))
		return
	}
	view, err := h.configs.GetView(ctx, name)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, ViewResponse{
		ViewRecord: *rec,
		Stable:     view.IsStable(),
		Endpoints:  view.Endpoints(),
	})
}

// TurnReplicaOn handles POST /v1/admin/views/{view}/replicas/{endpoint}/on.
// The reconfiguration runs in the background; poll the returned job.
func (h *AdminHandlers) TurnReplicaOn(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := h.replicas.TurnReplicaOnAsync(vars["view"], vars["endpoint"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.logger.Info("Replica turn-on queued",
		zap.String("view", vars["view"]),
		zap.String("endpoint", vars["endpoint"]),
		zap.String("job_id", id))

	w.Header().Set("Location", "/v1/admin/jobs/"+id)
	writeJSONResponse(w, http.StatusAccepted, JobResponse{JobID: id})
}

// TurnReplicaOff handles POST /v1/admin/views/{view}/replicas/{endpoint}/off
func (h *AdminHandlers) TurnReplicaOff(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	if err := h.replicas.TurnReplicaOff(ctx, vars["view"], vars["endpoint"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJob handles GET /v1/admin/jobs/{id}
func (h *AdminHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := h.replicas.Job(id)
	if !ok {
		h.errorHandler.HandleError(w, r, tableerrors.New(tableerrors.ErrCodeNotFound, "job not found: "+id, nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}
