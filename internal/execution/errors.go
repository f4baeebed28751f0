package execution

import "errors"

var (
	ErrQueueClosed      = errors.New("execution queue is closed")
	ErrAlreadySubmitted = errors.New("command buffer already submitted")
)
