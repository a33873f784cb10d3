package crash

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsafeTimeout = errors.New("trajectory still unsafe at timeout")
	ErrConsoleLoop   = errors.New("console stuck in error loop")
)

// UnsafeTimeoutError reports the last known low point when the time budget
// ran out.
type UnsafeTimeoutError struct {
	LastLow float64
	Target  float64
	Elapsed time.Duration
}

func (e *UnsafeTimeoutError) Error() string {
	return fmt.Sprintf("%v: low point %.0f m below target %.0f m after %s",
		ErrUnsafeTimeout, e.LastLow, e.Target, e.Elapsed.Round(time.Second))
}

func (e *UnsafeTimeoutError) Unwrap() error { return ErrUnsafeTimeout }
