package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/document-vault/internal/auth"
	"github.com/kenneth/document-vault/internal/document"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if e.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// TranslateError maps service and authentication errors onto API errors. Server-side
// failures never echo internal detail to the client.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) {
		return newAPIError(ErrUnauthenticated, "a valid bearer token is required")
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newAPIError(ErrDocumentTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}

	var docErr *document.Error
	if !errors.As(err, &docErr) {
		return newAPIError(ErrInternal, "")
	}

	switch docErr.Kind {
	case document.KindValidation:
		return translateValidation(docErr.Err)
	case document.KindUnauthorized:
		if errors.Is(docErr.Err, document.ErrUnauthenticated) {
			return newAPIError(ErrUnauthenticated, "")
		}
		return newAPIError(ErrAccessDenied, "")
	case document.KindNotFound:
		return newAPIError(ErrDocumentNotFound, "")
	case document.KindIntegrity:
		return newAPIError(ErrDocumentUndecryptable, "")
	case document.KindUpstreamUnavailable:
		return newAPIError(ErrServiceUnavailable, "")
	case document.KindStorageWrite:
		return newAPIError(ErrStorageWrite, "")
	default:
		return newAPIError(ErrInternal, "")
	}
}

func translateValidation(cause error) *APIError {
	base := ErrInvalidRequest
	switch {
	case errors.Is(cause, document.ErrTooLarge):
		base = ErrDocumentTooLarge
	case errors.Is(cause, document.ErrMissingDocument):
		base = ErrMissingDocument
	case errors.Is(cause, document.ErrUnsupportedContentType):
		base = ErrUnsupportedContentType
	case errors.Is(cause, document.ErrInvalidCategory):
		base = ErrInvalidCategory
	case errors.Is(cause, document.ErrInvalidOwner):
		base = ErrInvalidOwner
	case errors.Is(cause, document.ErrInvalidPath):
		base = ErrInvalidPath
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return newAPIError(base, msg)
}

// newAPIError copies base, replacing its message when msg is set.
func newAPIError(base *APIError, msg string) *APIError {
	e := *base
	if msg != "" {
		e.Message = msg
	}
	return &e
}

// Predefined API errors. Use newAPIError to customize a message; never mutate these.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "The request is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMalformedUpload = &APIError{
		Code:       "MalformedUpload",
		Message:    "The upload must be a multipart form with a file field.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingDocument = &APIError{
		Code:       "MissingDocument",
		Message:    "No document was supplied.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrDocumentTooLarge = &APIError{
		Code:       "DocumentTooLarge",
		Message:    "The document exceeds the maximum size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrUnsupportedContentType = &APIError{
		Code:       "UnsupportedContentType",
		Message:    "The content type is not allowed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidCategory = &APIError{
		Code:       "InvalidCategory",
		Message:    "The document category is not known.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidOwner = &APIError{
		Code:       "InvalidOwner",
		Message:    "The owner id is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidPath = &APIError{
		Code:       "InvalidPath",
		Message:    "The document path is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnauthenticated = &APIError{
		Code:       "Unauthenticated",
		Message:    "Authentication is required.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrDocumentNotFound = &APIError{
		Code:       "DocumentNotFound",
		Message:    "The specified document does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDocumentUndecryptable = &APIError{
		Code:       "DocumentUndecryptable",
		Message:    "The document could not be decrypted.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Message:    "A dependency is temporarily unavailable. Please try again.",
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrStorageWrite = &APIError{
		Code:       "StorageWriteFailed",
		Message:    "The document could not be stored. Please try again.",
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
