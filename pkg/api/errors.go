package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

// errBadRequest marks malformed request bodies and query parameters
var errBadRequest = errors.New("bad request")

// StatusFor maps an allowance error to its HTTP status code
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest),
		errors.Is(err, allowance.ErrInvalidWindow),
		errors.Is(err, allowance.ErrInvalidAmount),
		errors.Is(err, allowance.ErrInvalidUserID):
		return http.StatusBadRequest
	case errors.Is(err, allowance.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, allowance.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, allowance.ErrPeriodNotFound),
		errors.Is(err, allowance.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, allowance.ErrPeriodExists):
		return http.StatusConflict
	case errors.Is(err, allowance.ErrCircuitOpen),
		errors.Is(err, allowance.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
