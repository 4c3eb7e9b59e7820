package httpapi

import (
	"encoding/json"
	"net/http"

	"chemd/internal/scheduler"
	"chemd/internal/service"
	"chemd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps well-known domain errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case scheduler.IsCapacityExceeded(err):
		IncrementBackpressure("queue_full")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case scheduler.IsNotCancelable(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case scheduler.IsNotFound(err), service.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case service.IsNotReady(err), service.IsBadUpload(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
