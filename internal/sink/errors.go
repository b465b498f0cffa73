package sink

import (
	"errors"
	"fmt"
)

// StopReason is passed to Producer.RequestStop when the duplicate-key breaker trips.
const StopReason = "duplicate-key threshold exceeded"

var (
	// ErrNotStarted is returned when records are submitted before Start.
	ErrNotStarted = errors.New("sink: pipeline not started")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("sink: pipeline already started")
	// ErrClosed is returned once Stop has run.
	ErrClosed = errors.New("sink: pipeline is stopped")
)

// ConnectivityError wraps failures to reach the store or to prepare a
// collection. It is always fatal.
type ConnectivityError struct {
	Op         string
	RecordType string
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.RecordType != "" {
		return fmt.Sprintf("sink: %s for type %q: %v", e.Op, e.RecordType, e.Err)
	}
	return fmt.Sprintf("sink: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
