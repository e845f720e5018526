package engine

import (
	"errors"
	"fmt"
)

// Error strings here are part of the persisted log contract: the
// orchestrator writes err.Error() into the error_message column.
var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrBadResponse     = errors.New("bad response")
	ErrUploadRejected  = errors.New("upload rejected by server")
	ErrCancelled       = errors.New("Cancelled")
)

// StatusError reports a non-2xx HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d", e.Code)
}
