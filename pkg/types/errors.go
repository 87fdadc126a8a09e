package types

import "errors"

// Core error taxonomy. Protocol handlers convert these into structured
// replies on the offending connection; the HTTP layer maps them to status
// codes. Compare with errors.Is so wrapped variants still match.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrAccessDenied         = errors.New("access denied")
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternal             = errors.New("internal error")
)
