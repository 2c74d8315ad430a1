package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
// Mapping and circular-dependency errors are configuration defects and map
// to 422 so callers can tell them apart from their own bad input.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrMapping):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCircularDependency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotComplete):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
