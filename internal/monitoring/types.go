// Package monitoring classifies console output as it streams by.
//
// Every line read from the console is tracked in a bounded window. Lines that
// look like errors are normalised into signatures (numbers and quoted
// literals replaced with placeholders) so a procedure stuck repeating the
// same kind of error can be detected and aborted instead of spinning until
// its timeout:
//  1. Error lines are recognised by the PatternRegistry
//  2. Signatures are counted over the whole window
//  3. A signature recurring often in the most recent lines means a loop
package monitoring

import "time"

// Health summarises a Status for display.
type Health string

const (
	HealthOK      Health = "ok"      // No error lines in the window
	HealthErrors  Health = "errors"  // Errors seen, not repeating
	HealthLooping Health = "looping" // Same error signature keeps recurring
)

// IsHealthy returns true if no errors are in the window.
func (h Health) IsHealthy() bool {
	return h == HealthOK
}

// NeedsAttention returns true if a caller should stop and intervene.
func (h Health) NeedsAttention() bool {
	return h == HealthLooping
}

// Status is a point-in-time summary of the monitor window.
type Status struct {
	HasErrors    bool      `json:"has_errors"`
	IsLooping    bool      `json:"is_looping"`
	ErrorPattern string    `json:"error_pattern,omitempty"` // Most frequent recent signature
	LoopCount    int       `json:"loop_count,omitempty"`    // Occurrences of ErrorPattern in the loop window
	ErrorCount   int       `json:"error_count"`             // Error lines in the whole window
	LastError    string    `json:"last_error,omitempty"`
	Lines        int       `json:"lines"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Activity     Activity  `json:"activity"`
}

// Health derives the display health from the status flags.
func (s Status) Health() Health {
	switch {
	case s.IsLooping:
		return HealthLooping
	case s.HasErrors:
		return HealthErrors
	default:
		return HealthOK
	}
}

// Since returns how long ago the last line was seen.
func (s Status) Since() time.Duration {
	if s.LastActivity.IsZero() {
		return 0
	}
	return time.Since(s.LastActivity)
}
