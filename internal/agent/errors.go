package agent

import (
	"errors"
	"fmt"
)

// Pipeline step failures. A task that fails wraps exactly one of these.
var (
	ErrDownload   = errors.New("download failed")
	ErrStorage    = errors.New("storage failed")
	ErrProcessing = errors.New("processing failed")
)

// TransportError is returned by every CoordinatorClient call that did not get an
// acknowledged response: network errors, timeouts, non-2xx statuses and bodies
// that could not be decoded.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

// Error returns the wrapped message, which already names the operation.
func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func stepError(step error, err error) error {
	return fmt.Errorf("%w: %w", step, err)
}
