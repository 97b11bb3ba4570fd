package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/validate"
)

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz fails while the worker heartbeat is missing or older than the
// configured maximum.
func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	report, err := a.backend.Report()
	if err != nil {
		a.respondError(w, r, http.StatusServiceUnavailable, "queue unavailable", err)
		return
	}
	body := map[string]any{
		"ready":                 true,
		"heartbeat_age_seconds": report.HeartbeatAgeSeconds,
		"max_age_seconds":       a.maxAge.Seconds(),
		"paused":                report.Status.Paused,
	}
	status := http.StatusOK
	if report.HeartbeatAgeSeconds == nil || time.Duration(*report.HeartbeatAgeSeconds*float64(time.Second)) > a.maxAge {
		body["ready"] = false
		status = http.StatusServiceUnavailable
	}
	a.respondJSON(w, status, body)
}

func (a *API) metricsJSON(w http.ResponseWriter, r *http.Request) {
	report, err := a.backend.Report()
	if err != nil {
		a.respondError(w, r, http.StatusInternalServerError, "build report", err)
		return
	}
	a.respondJSON(w, http.StatusOK, report)
}

func (a *API) queueStatus(w http.ResponseWriter, r *http.Request) {
	report, err := a.backend.Report()
	if err != nil {
		a.respondError(w, r, http.StatusInternalServerError, "build report", err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status": report.Status,
		"queue":  report.Queue,
	})
}

func (a *API) pause(w http.ResponseWriter, r *http.Request) {
	changed := a.backend.Pause()
	a.respondJSON(w, http.StatusOK, map[string]bool{"paused": true, "changed": changed})
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	changed := a.backend.Resume()
	a.respondJSON(w, http.StatusOK, map[string]bool{"paused": false, "changed": changed})
}

type submitResponse struct {
	OK       bool             `json:"ok"`
	Entry    string           `json:"entry,omitempty"`
	Type     string           `json:"type,omitempty"`
	Errors   []validate.Issue `json:"errors"`
	Warnings []validate.Issue `json:"warnings"`
}

// submit accepts a YAML or JSON task document. A rejected document is
// answered with its validation errors and nothing is queued.
func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return
	}
	doc, err := validate.Decode(raw)
	if err != nil {
		a.respondJSON(w, http.StatusBadRequest, submitResponse{
			Errors:   []validate.Issue{{Message: err.Error()}},
			Warnings: []validate.Issue{},
		})
		return
	}

	rec, err := a.backend.Submit(doc, "http")
	var rejected *queue.RejectedError
	switch {
	case errors.As(err, &rejected):
		a.respondJSON(w, http.StatusUnprocessableEntity, submitResponse{
			Errors:   rejected.Errors,
			Warnings: orEmpty(rejected.Warnings),
		})
		return
	case err != nil:
		a.respondError(w, r, http.StatusInternalServerError, "enqueue failed", err)
		return
	}
	a.respondJSON(w, http.StatusCreated, submitResponse{
		OK:       true,
		Entry:    rec.Entry.File,
		Type:     string(rec.Task.Type),
		Errors:   []validate.Issue{},
		Warnings: orEmpty(rec.Warnings),
	})
}

func (a *API) lint(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return
	}
	a.respondJSON(w, http.StatusOK, validate.Lint(raw))
}

func (a *API) alertStatus(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{
		"enabled": a.alerting,
		"last":    a.backend.LastAlert(),
	})
}

func orEmpty(issues []validate.Issue) []validate.Issue {
	if issues == nil {
		return []validate.Issue{}
	}
	return issues
}
