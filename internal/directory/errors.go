package directory

import "errors"

var (
	ErrClosed         = errors.New("directory store is closed")
	ErrWriteTimeout   = errors.New("directory write timeout")
	ErrUnknownBackend = errors.New("unknown directory backend")
)
