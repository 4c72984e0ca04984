package telemetry

import "fmt"

// ErrConnectionFailed indicates the configured Redis endpoint could not
// be reached. Telemetry is optional, so callers typically log and
// continue rather than treat this as fatal.
type ErrConnectionFailed struct {
	Addr  string
	Cause error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("telemetry: failed to connect to redis at %s: %v", e.Addr, e.Cause)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Cause }
