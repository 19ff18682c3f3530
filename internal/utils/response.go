package utils

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ms-redemption/internal/errs"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// ErrorStatus maps a service error onto an HTTP status and the reason the
// client should see.
func ErrorStatus(err error) (int, string) {
	switch {
	case errs.Is(err, errs.ErrMalformed):
		return http.StatusBadRequest, errs.ReasonMalformed
	case errs.IsTransient(err):
		return http.StatusServiceUnavailable, errs.ReasonTransientStore
	case errs.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, errs.ReasonNotFound
	default:
		return http.StatusInternalServerError, ""
	}
}

// WriteError renders err as an APIResponse with the status from ErrorStatus.
func WriteError(w http.ResponseWriter, message string, err error) int {
	status, reason := ErrorStatus(err)
	resp := ErrorResponse(message, http.StatusText(status))
	if status == http.StatusBadRequest {
		resp.Error = err.Error()
	}
	resp.Reason = reason
	_ = WriteJSON(w, status, resp)
	return status
}

// LogDetail is what a handler logs for a failed request: the message for
// client errors, the top of the stack trace for server errors.
func LogDetail(status int, err error) string {
	if err == nil {
		return ""
	}
	if status < http.StatusInternalServerError {
		return err.Error()
	}
	return strings.Join(errs.ExtractStackLines(err, 12), "\n")
}
