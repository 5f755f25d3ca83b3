package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/modelstore"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
)

// ModelService manages deployed prediction models. *modelstore.Store implements it.
type ModelService interface {
	List(ctx context.Context) ([]modelstore.Model, error)
	Active(ctx context.Context) (modelstore.Model, error)
	Activate(ctx context.Context, id string) (modelstore.Model, error)
	Delete(ctx context.Context, id string) error
}

// WithModels enables the /api/models routes.
func (h *Handler) WithModels(models ModelService) *Handler {
	h.models = models
	return h
}

// ListModels handles GET /api/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.models.List(r.Context())
	if err != nil {
		writeModelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UploadModel handles POST /api/models. Uploads are not supported.
func (h *Handler) UploadModel(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotImplemented, "NOT_IMPLEMENTED", "model upload not implemented")
}

// GetActiveModel handles GET /api/models/active.
func (h *Handler) GetActiveModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.models.Active(r.Context())
	if err != nil {
		writeModelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// ActivateModel handles POST /api/models/{modelId}/activate.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.models.Activate(r.Context(), mux.Vars(r)["modelId"])
	if err != nil {
		writeModelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Model activated successfully",
		"model": map[string]interface{}{
			"id":       model.ID,
			"name":     model.Name,
			"version":  model.Version,
			"isActive": true,
		},
	})
}

// DeleteModel handles DELETE /api/models/{modelId}.
func (h *Handler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.models.Delete(r.Context(), mux.Vars(r)["modelId"]); err != nil {
		writeModelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Model deleted successfully",
	})
}

func writeModelError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, modelstore.ErrInvalidID):
		writeError(w, r, http.StatusBadRequest, "INVALID_MODEL_ID", "model id must be <name>_v<version>")
	case errors.Is(err, modelstore.ErrActiveModel):
		writeError(w, r, http.StatusBadRequest, "MODEL_ACTIVE", "cannot delete the active model; activate another model first")
	case errors.Is(err, modelstore.ErrModelNotFound):
		writeError(w, r, http.StatusNotFound, "MODEL_NOT_FOUND", "model file not found")
	case errors.Is(err, modelstore.ErrScalerNotFound):
		writeError(w, r, http.StatusNotFound, "SCALER_NOT_FOUND", "scaler file not found for this model")
	case errors.Is(err, modelstore.ErrDirNotFound):
		writeError(w, r, http.StatusNotFound, "MODEL_DIR_NOT_FOUND", "model directory not found")
	case errors.Is(err, modelstore.ErrNoActiveModel):
		writeError(w, r, http.StatusNotFound, "NO_ACTIVE_MODEL", "no active model found")
	default:
		observability.LoggerOr(r.Context(), nil).Error("model store", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "model store failure")
	}
}
