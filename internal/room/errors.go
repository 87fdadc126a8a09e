package room

import (
	"fmt"

	"signalhub/pkg/types"
)

// Sentinels wrap the core taxonomy so callers can match either the specific
// condition or the category with errors.Is.
var (
	ErrRoomExists    = fmt.Errorf("%w: room already exists", types.ErrInvalidInput)
	ErrRoomNotFound  = fmt.Errorf("%w: unknown room", types.ErrNotFound)
	ErrProtectedRoom = fmt.Errorf("%w: operation forbidden on default room", types.ErrAccessDenied)
	ErrRoomFull      = fmt.Errorf("%w: room is at capacity", types.ErrAccessDenied)
	ErrWrongPassword = fmt.Errorf("%w: room password mismatch", types.ErrAccessDenied)
	ErrInvalidName   = fmt.Errorf("%w: invalid room name", types.ErrInvalidInput)
)
