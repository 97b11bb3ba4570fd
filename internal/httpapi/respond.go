package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *API) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encode response", zap.Error(err))
	}
}

// respondError logs err and writes message without it.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	reqID := requestID(r)
	if err != nil {
		a.logger.Error(message, zap.String("path", r.URL.Path), zap.String("request_id", reqID), zap.Error(err))
	}
	a.respondJSON(w, status, errorBody{Error: message, RequestID: reqID})
}
