package handler

import (
	"errors"
	"net/http"

	"github.com/dafibh/fortuna/budget-ledger/internal/domain"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error types
const (
	ErrorTypeValidation   = "https://budget.fortuna.app/errors/validation"
	ErrorTypeNotFound     = "https://budget.fortuna.app/errors/not-found"
	ErrorTypeUnauthorized = "https://budget.fortuna.app/errors/unauthorized"
	ErrorTypeConflict     = "https://budget.fortuna.app/errors/conflict"
	ErrorTypeUnavailable  = "https://budget.fortuna.app/errors/unavailable"
	ErrorTypeInternal     = "https://budget.fortuna.app/errors/internal"
)

// retryAfterSeconds is advertised to clients when storage is unavailable
const retryAfterSeconds = "2"

// NewValidationError creates a validation error response
func NewValidationError(c echo.Context, detail string, errors []ValidationError) error {
	return c.JSON(http.StatusBadRequest, ProblemDetails{
		Type:     ErrorTypeValidation,
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		Errors:   errors,
	})
}

// NewNotFoundError creates a not found error response
func NewNotFoundError(c echo.Context, detail string) error {
	return c.JSON(http.StatusNotFound, ProblemDetails{
		Type:     ErrorTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewUnauthorizedError creates an unauthorized error response
func NewUnauthorizedError(c echo.Context, detail string) error {
	return c.JSON(http.StatusUnauthorized, ProblemDetails{
		Type:     ErrorTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewConflictError creates a conflict error response
func NewConflictError(c echo.Context, detail string) error {
	return c.JSON(http.StatusConflict, ProblemDetails{
		Type:     ErrorTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewInternalError creates an internal error response
func NewInternalError(c echo.Context, detail string) error {
	return c.JSON(http.StatusInternalServerError, ProblemDetails{
		Type:     ErrorTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewServiceUnavailableError creates a 503 response that asks the client to retry
func NewServiceUnavailableError(c echo.Context, detail string) error {
	c.Response().Header().Set("Retry-After", retryAfterSeconds)
	return c.JSON(http.StatusServiceUnavailable, ProblemDetails{
		Type:     ErrorTypeUnavailable,
		Title:    "Service Unavailable",
		Status:   http.StatusServiceUnavailable,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewLedgerError maps an engine error to a problem response by its kind
func NewLedgerError(c echo.Context, err error, action string) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return NewValidationError(c, err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return NewNotFoundError(c, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return NewConflictError(c, err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		log.Warn().Err(err).Str("path", c.Request().URL.Path).Msg(action + " failed: storage unavailable")
		return NewServiceUnavailableError(c, "Ledger storage is temporarily unavailable")
	default:
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg(action + " failed")
		return NewInternalError(c, action+" failed")
	}
}
