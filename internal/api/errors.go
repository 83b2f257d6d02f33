package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/metadata"
)

// APIError is an error response of the collaborator API.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(apiclient.ErrorResponse{Code: e.Code, Message: e.Message})
}

func invalidRequest(format string, args ...interface{}) *APIError {
	return &APIError{
		Code:       "InvalidRequest",
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

func invalidPart(format string, args ...interface{}) *APIError {
	return &APIError{
		Code:       "InvalidPart",
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// TranslateError maps store and backend errors to API errors.
func TranslateError(err error, key string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return ErrNoSuchFile
	case errors.Is(err, metadata.ErrSessionMismatch):
		return ErrNoSuchUpload
	}

	// Check for API errors first (smithy.APIError interface)
	var s3Err smithy.APIError
	if errors.As(err, &s3Err) {
		switch s3Err.ErrorCode() {
		case "NoSuchUpload":
			return ErrNoSuchUpload
		case "NoSuchKey", "NotFound":
			return &APIError{
				Code:       "NoSuchKey",
				Message:    fmt.Sprintf("The specified key does not exist: %s", key),
				HTTPStatus: http.StatusNotFound,
			}
		case "AccessDenied":
			return &APIError{
				Code:       "AccessDenied",
				Message:    "Access Denied",
				HTTPStatus: http.StatusForbidden,
			}
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "InvalidArgument":
			return &APIError{
				Code:       s3Err.ErrorCode(),
				Message:    s3Err.ErrorMessage(),
				HTTPStatus: http.StatusBadRequest,
			}
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrNoSuchFile = &APIError{
		Code:       "NoSuchFile",
		Message:    "The specified file does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNoSuchUpload = &APIError{
		Code:       "NoSuchUpload",
		Message:    "The specified multipart upload does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMalformedJSON = &APIError{
		Code:       "MalformedJSON",
		Message:    "The request body is not valid JSON.",
		HTTPStatus: http.StatusBadRequest,
	}
)
