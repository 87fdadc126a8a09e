package registry

import (
	"fmt"

	"signalhub/pkg/types"
)

var (
	ErrNotRegistered = fmt.Errorf("%w: connection not registered", types.ErrNotFound)
	ErrNotMember     = fmt.Errorf("%w: connection not a member of room", types.ErrAccessDenied)
)
