package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a record or request failed validation.
	ErrValidation = errors.New("validation failed")
	// ErrLogin indicates the credential grant was rejected. Fatal for a run.
	ErrLogin = errors.New("login failed")
	// ErrTokenRefresh indicates the refresh grant was rejected.
	ErrTokenRefresh = errors.New("token refresh failed")
	// ErrAuthentication indicates a missing or unusable access token.
	ErrAuthentication = errors.New("authentication error")
	// ErrAttendanceFetch indicates the attendance lookup returned a non-200.
	ErrAttendanceFetch = errors.New("attendance fetch failed")
	// ErrUnknownResponse indicates any other unexpected non-200 from the ERP.
	ErrUnknownResponse = errors.New("unknown response")
	// ErrNetwork indicates a transport level failure.
	ErrNetwork = errors.New("network error")
	// ErrConfiguration indicates invalid or missing configuration.
	ErrConfiguration = errors.New("configuration error")
)

// IsAuthFailure reports whether err belongs to the authentication layer. Such
// failures abort a run because nothing can be submitted without a token.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrLogin) || errors.Is(err, ErrAuthentication)
}
