package errutil

import "net/http"

// CoreStatus is a transport-neutral status code carried by BaseError.
type CoreStatus string

const (
	StatusBadRequest       CoreStatus = "BAD_REQUEST"
	StatusValidationFailed CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized     CoreStatus = "UNAUTHORIZED"
	StatusForbidden        CoreStatus = "FORBIDDEN"
	StatusNotFound         CoreStatus = "NOT_FOUND"
	StatusConflict         CoreStatus = "CONFLICT"
	StatusTooManyRequests  CoreStatus = "TOO_MANY_REQUESTS"
	StatusInternal         CoreStatus = "INTERNAL"
	StatusUnknown          CoreStatus = "UNKNOWN"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
