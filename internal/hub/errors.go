package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueOverflow     = errors.New("delivery queue full, oldest event dropped")
)
