package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRecordNotFound           = errors.New("record not found")
	ErrRevisionConflict         = errors.New("record revision changed")
	ErrCredentialRevoked        = errors.New("calendar credential revoked")
	ErrCredentialUnavailable    = errors.New("calendar credential unavailable")
	ErrPrimaryCalendarForbidden = errors.New("strict mode forbids syncing to the primary calendar")
	ErrDuplicateEventKey        = errors.New("duplicate event key")
	ErrJobNotFound              = errors.New("bulk job not found")
)

// APIError is an external calendar failure normalized at the client boundary.
type APIError struct {
	Code    int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("calendar api %d (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("calendar api %d: %s", e.Code, e.Message)
}

// quotaReasons are the 403 reasons the calendar API uses for throttling.
var quotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsConflict reports a create whose target ID already exists.
func IsConflict(err error) bool {
	e, ok := asAPIError(err)
	return ok && e.Code == http.StatusConflict
}

// IsGone reports an update/delete target that no longer exists.
func IsGone(err error) bool {
	e, ok := asAPIError(err)
	return ok && (e.Code == http.StatusNotFound || e.Code == http.StatusGone)
}

// IsRateLimited covers 429 and 403 responses carrying a quota reason. A 403
// without a reason is an access denial, not throttling.
func IsRateLimited(err error) bool {
	e, ok := asAPIError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return quotaReasons[e.Reason]
	}
	return false
}

// IsAuth covers 401 and 403 responses that are not throttling.
func IsAuth(err error) bool {
	e, ok := asAPIError(err)
	if !ok {
		return false
	}
	switch e.Code {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return !IsRateLimited(err)
	}
	return false
}
