package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes v as a flat JSON body. The UI consumes these payloads
// directly, so there is no response envelope.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OK sends a 200 response.
func OK(w http.ResponseWriter, v interface{}) {
	JSON(w, http.StatusOK, v)
}

// Error sends `{"error": message}` with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ServiceUnavailable sends a 503 error.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, message)
}

// InternalError sends a 500 error.
func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, message)
}

// ValidationFailed sends the field errors with a 400.
func ValidationFailed(w http.ResponseWriter, errs ValidationErrors) {
	JSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation failed",
		"details": errs,
	})
}
