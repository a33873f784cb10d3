package monitoring

import "time"

// DefaultQuietAfter is how long the console may stay silent before Status
// reports it quiet. Time warps keep a healthy console silent for minutes,
// so quiet is informational only.
const DefaultQuietAfter = 30 * time.Second

// Activity describes how recently the console printed anything.
type Activity string

const (
	ActivityNone  Activity = "none"  // No line tracked yet
	ActivityLive  Activity = "live"  // Output within the quiet threshold
	ActivityQuiet Activity = "quiet" // Silent for at least the quiet threshold
)

func activityAt(last, now time.Time, quietAfter time.Duration) Activity {
	switch {
	case last.IsZero():
		return ActivityNone
	case now.Sub(last) >= quietAfter:
		return ActivityQuiet
	}
	return ActivityLive
}
