package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
)

// Error codes that are not derived from a domain.Kind.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeHTTP       = "HTTP_ERROR"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// NewBadRequestError reports a malformed request that never reached the
// pipeline.
func NewBadRequestError(message string, cause error) *APIError {
	apiErr := &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
	if cause != nil {
		apiErr.Details = cause.Error()
	}
	return apiErr
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindRevert:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindDuplicate:
		return http.StatusConflict
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindOracle, domain.KindLink:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromError converts any error into an APIError. Internal failures keep
// their message out of the response.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg, ok := httpErr.Message.(string)
		if !ok {
			msg = http.StatusText(httpErr.Code)
		}
		return &APIError{Status: httpErr.Code, Code: httpCode(httpErr.Code), Message: msg}
	}

	kind := domain.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return &APIError{
		Status:  status,
		Code:    strings.ToUpper(string(kind)),
		Message: msg,
	}
}

func httpCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return strings.ToUpper(string(domain.KindUnauthorized))
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return strings.ToUpper(string(domain.KindNotFound))
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	}
	return CodeHTTP
}

// ErrorHandler is installed as echo's HTTPErrorHandler.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	log := logger.FromContext(c.Request().Context())
	apiErr := FromError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("code", apiErr.Code).
			Msg("Request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(apiErr.Status)
	} else {
		err = c.JSON(apiErr.Status, apiErr)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}
