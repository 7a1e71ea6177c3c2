package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stackplane/controlplane/internal/api/types"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, types.APIResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func respondInvalid(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, types.APIResponse{
		Success: false,
		Error:   &types.APIError{Code: string(appErr.CodeInvalid), Message: msg},
	})
}

// statusFor maps application error codes to HTTP status. Unknown errors are
// reported as 500 without leaking internals.
func statusFor(err error) int {
	var ae *appErr.AppError
	if e, ok := err.(*appErr.AppError); ok {
		ae = e
	} else {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict, appErr.CodeAlreadyExists:
		return http.StatusConflict
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeForbidden:
		return http.StatusForbidden
	case appErr.CodeIneligible:
		return http.StatusUnprocessableEntity
	case appErr.CodeGone:
		return http.StatusGone
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
