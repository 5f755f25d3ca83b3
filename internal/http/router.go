package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firewatch-np/fire-feed-service/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	RateLimiter    *rate.Limiter
	Recorder       RequestRecorder
	RequestTimeout time.Duration
}

// NewRouter mounts the data, prediction, model, health and metrics routes.
// Everything but health and metrics is rate limited and carries the request
// timeout.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Recorder))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/data/{date}", h.GetData).Methods(http.MethodGet)
	api.HandleFunc("/api/firms/{date}", h.GetData).Methods(http.MethodGet)
	api.HandleFunc("/api/realtime/{date}", h.GetRealtime).Methods(http.MethodGet)
	if h.predictions != nil {
		api.HandleFunc("/predictions/{date}", h.GetPredictions).Methods(http.MethodGet)
		api.HandleFunc("/predictions/{date}/{modelId}", h.GetPredictions).Methods(http.MethodGet)
	}
	if h.models != nil {
		api.HandleFunc("/api/models", h.ListModels).Methods(http.MethodGet)
		api.HandleFunc("/api/models", h.UploadModel).Methods(http.MethodPost)
		api.HandleFunc("/api/models/active", h.GetActiveModel).Methods(http.MethodGet)
		api.HandleFunc("/api/models/{modelId}/activate", h.ActivateModel).Methods(http.MethodPost)
		api.HandleFunc("/api/models/{modelId}", h.DeleteModel).Methods(http.MethodDelete)
	}
	return router
}
