package api

import (
	"errors"
	"net/http"

	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
)

// Transport-level error codes. Domain failures use the measurement codes.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeDegraded         = "SERVICE_DEGRADED"
)

// APIError is an error that already carries its HTTP mapping.
type APIError struct {
	Code       string
	Message    string
	Details    any
	StatusCode int
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func badRequest(message string) *APIError {
	return &APIError{Code: CodeBadRequest, Message: message, StatusCode: http.StatusBadRequest}
}

// StatusForCode maps an envelope code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case measurement.CodeSuccess:
		return http.StatusOK
	case measurement.CodeInvalidRange, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case measurement.CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case measurement.CodeBusy:
		return http.StatusConflict
	case measurement.CodeUnavailable, CodeDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToAPIError converts err to an HTTP status and envelope.
func ToAPIError(err error) (int, *Response) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, ErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	code := measurement.Code(err)
	if code == measurement.CodeInternal {
		return http.StatusInternalServerError, ErrorResponse(code, "Internal server error",
			map[string]any{"original": err.Error()})
	}
	return StatusForCode(code), ErrorResponse(code, err.Error(), nil)
}

func writeErr(w http.ResponseWriter, err error) {
	status, resp := ToAPIError(err)
	writeResponse(w, status, resp)
}
