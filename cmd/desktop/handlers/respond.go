package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusForCode maps an error code to an HTTP status.
func StatusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case errors.ErrSyncFailed, errors.ErrSyncInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := StatusForCode(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("API request failed", string(code), err, nil)
	}

	message := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Message: message})
}
