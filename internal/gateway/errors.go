package gateway

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrWriteBufferFull  = errors.New("write buffer full")
)

// Error reason strings sent in protocol error replies.
const (
	ReasonAccessDenied = "access_denied"
	ReasonRateLimited  = "rate_limited"
	ReasonNotFound     = "client_not_found"
	ReasonRoomNotFound = "room_not_found"
	ReasonInvalidInput = "invalid_input"
	ReasonForbidden    = "forbidden"
	ReasonInternal     = "internal_error"
	ReasonUnknownOp    = "unknown_operation"
)
