package sse

import (
	"errors"
	"fmt"

	"signalhub/pkg/types"
)

var (
	ErrStreamNotFound   = fmt.Errorf("%w: sse stream not found", types.ErrNotFound)
	ErrInvalidTopic     = fmt.Errorf("%w: invalid topic", types.ErrInvalidInput)
	ErrStreamBacklogged = errors.New("sse stream send buffer full")
)
