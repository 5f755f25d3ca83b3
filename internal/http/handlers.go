package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/health"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/predictions"
	"github.com/firewatch-np/fire-feed-service/internal/service"
)

// ObservationService answers observation requests. *service.FireService implements it.
type ObservationService interface {
	GetObservations(ctx context.Context, date, source string) (service.Result, error)
}

// PredictionService answers prediction requests. *predictions.Client implements it.
type PredictionService interface {
	Get(ctx context.Context, date, modelID string) ([]predictions.Prediction, error)
}

// Response headers describing how /data was answered.
const (
	headerServedFrom      = "X-Served-From"
	headerUpstreamOutcome = "X-Upstream-Outcome"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	observations     ObservationService
	predictions      PredictionService
	models           ModelService
	monitor          *health.Monitor
	logger           *zap.Logger
	version          string
	healthStatusMu   sync.Mutex
	healthStatusPrev health.Status
}

// NewHandler returns a new Handler. predictions may be nil to disable the proxy routes.
func NewHandler(
	observations ObservationService,
	predictions PredictionService,
	monitor *health.Monitor,
	logger *zap.Logger,
	version string,
) *Handler {
	if monitor == nil {
		monitor = health.NewMonitor(nil, health.Thresholds{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	return &Handler{
		observations: observations,
		predictions:  predictions,
		monitor:      monitor,
		logger:       logger,
		version:      version,
	}
}

// GetData handles GET /data/{date}?source= and its /api/firms/{date} alias.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	h.serveObservations(w, r, r.URL.Query().Get("source"))
}

// GetRealtime handles GET /api/realtime/{date}, the incident-portal feed.
func (h *Handler) GetRealtime(w http.ResponseWriter, r *http.Request) {
	h.serveObservations(w, r, client.IncidentPortalSourceID)
}

func (h *Handler) serveObservations(w http.ResponseWriter, r *http.Request, source string) {
	date := mux.Vars(r)["date"]
	result, err := h.observations.GetObservations(r.Context(), date, source)
	if err != nil {
		writeInputError(w, r, err)
		return
	}
	w.Header().Set(headerServedFrom, string(result.Served))
	if result.UpstreamFailed() {
		w.Header().Set(headerUpstreamOutcome, result.Outcome.String())
	}
	writeJSON(w, http.StatusOK, result.Records)
}

// GetPredictions handles GET /predictions/{date} and /predictions/{date}/{modelId}.
func (h *Handler) GetPredictions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	preds, err := h.predictions.Get(r.Context(), vars["date"], vars["modelId"])
	if err != nil {
		if errors.Is(err, predictions.ErrInvalidModelID) {
			writeError(w, r, http.StatusBadRequest, "INVALID_MODEL_ID", "model id may contain letters, digits, '_', '-' and '.'")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_DATE", "date must be a valid YYYY-MM-DD day")
		return
	}
	writeJSON(w, http.StatusOK, preds)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Evaluate(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != report.Status {
		h.logger.Info("health status transition",
			zap.String("previous_status", string(prev)),
			zap.String("current_status", string(report.Status)),
			zap.String("reason", report.Reason))
	}
	h.healthStatusPrev = report.Status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    report.Status,
		"service":   "fire-feed-service",
		"version":   h.version,
		"checks":    report.Checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if report.Reason != "" {
		resp["reason"] = report.Reason
	}
	writeJSON(w, healthStatusCode(report.Status), resp)
}

// healthStatusCode maps a status to the code load balancers act on. Idle
// instances still serve traffic.
func healthStatusCode(s health.Status) int {
	switch s {
	case health.StatusHealthy, health.StatusIdle:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeInputError answers 400 for a rejected date or a source identifier with
// disallowed characters. Unknown but well-formed sources never get here.
func writeInputError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerOr(r.Context(), nil).Debug("rejected request", zap.Error(err))
	if errors.Is(err, service.ErrInvalidSource) {
		writeError(w, r, http.StatusBadRequest, "INVALID_SOURCE", "source may contain letters, digits, '_', '-' and '.'")
		return
	}
	writeError(w, r, http.StatusBadRequest, "INVALID_DATE", "date must be a valid YYYY-MM-DD day")
}
