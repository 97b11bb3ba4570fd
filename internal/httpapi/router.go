// Package httpapi serves heimdall's health, metrics and submission
// endpoints over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/alert"
	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/queue"
)

// maxBodyBytes bounds submitted task documents.
const maxBodyBytes = 1 << 20

// Backend is the running engine as seen by the HTTP surface.
type Backend interface {
	Report() (metrics.Report, error)
	Pause() bool
	Resume() bool
	Submit(doc map[string]any, source string) (queue.Receipt, error)
	LastAlert() *alert.Result
}

type API struct {
	backend  Backend
	maxAge   time.Duration
	alerting bool
	prom     http.Handler
	logger   *zap.Logger
}

func New(backend Backend, cfg model.Config, logger *zap.Logger) *API {
	logger = logger.Named("http")
	prom := promhttp.HandlerFor(metrics.NewRegistry(backend.Report), promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger),
	})
	return &API{
		backend:  backend,
		maxAge:   time.Duration(cfg.Health.ReadyHeartbeatMaxAgeSeconds) * time.Second,
		alerting: cfg.Alerts.Enabled,
		prom:     prom,
		logger:   logger,
	}
}

// Router builds the chi route table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Get("/metrics", a.metricsJSON)
	r.Method(http.MethodGet, "/metrics/prometheus", a.prom)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/status", a.queueStatus)
		r.Post("/pause", a.pause)
		r.Post("/resume", a.resume)
	})
	r.Post("/tasks", a.submit)
	r.Post("/lint", a.lint)
	r.Get("/alerts/status", a.alertStatus)
	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
