package maneuver

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoNode             = errors.New("no maneuver node planned")
	ErrInsufficientDeltaV = errors.New("insufficient delta-v")
	ErrAlignmentFailure   = errors.New("alignment failed")
	ErrBurnIncomplete     = errors.New("burn incomplete")

	// ErrConsoleLoop means the output monitor saw the same error repeating;
	// continuing to poll would not make progress.
	ErrConsoleLoop = errors.New("console stuck in error loop")
)

// DeltaVError reports a node the vessel cannot afford.
type DeltaVError struct {
	Required  float64
	Available float64
}

// Deficit is the missing delta-v in m/s.
func (e *DeltaVError) Deficit() float64 {
	return e.Required - e.Available
}

func (e *DeltaVError) Error() string {
	return fmt.Sprintf("%v: node needs %.1f m/s, vessel has %.1f m/s (deficit %.1f m/s)",
		ErrInsufficientDeltaV, e.Required, e.Available, e.Deficit())
}

func (e *DeltaVError) Unwrap() error { return ErrInsufficientDeltaV }

// AlignmentError reports that the vessel never pointed along the burn vector.
type AlignmentError struct {
	Angle   float64 // last measured angle in degrees
	Elapsed time.Duration
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%v: still %.1f° off after %s", ErrAlignmentFailure, e.Angle, e.Elapsed.Round(time.Second))
}

func (e *AlignmentError) Unwrap() error { return ErrAlignmentFailure }

// BurnIncompleteError reports delta-v left on the node when the executor gave
// up on every attempt, or the burn ran out of time.
type BurnIncompleteError struct {
	Remaining float64
	Attempts  int
	TimedOut  bool
}

func (e *BurnIncompleteError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%v: %.1f m/s remaining when the burn timed out (attempt %d)", ErrBurnIncomplete, e.Remaining, e.Attempts)
	}
	return fmt.Sprintf("%v: %.1f m/s remaining after %d attempts", ErrBurnIncomplete, e.Remaining, e.Attempts)
}

func (e *BurnIncompleteError) Unwrap() error { return ErrBurnIncomplete }
