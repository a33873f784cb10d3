// ABOUTME: Prints procedure events (phases, progress) to stderr while a
// ABOUTME: maneuver or crash-avoidance run is in flight.

package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/orbitwright/kosctl/internal/events"
	"github.com/orbitwright/kosctl/internal/style"
)

// followEvents prints events from bus to w until the returned stop function
// is called. Stop drains what is already queued.
func followEvents(bus *events.Bus, w io.Writer, verbose bool) (stop func()) {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if line := formatEvent(e, verbose); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// formatEvent renders e for a human, or "" when it should not be shown.
// Console lines and command completions only show when verbose.
func formatEvent(e events.Event, verbose bool) string {
	ts := style.Dim.Render(e.Time.Format("15:04:05"))
	switch e.Type {
	case events.EventPhase:
		msg := style.Bold.Render(e.Phase)
		if e.Message != "" {
			msg += " " + e.Message
		}
		return fmt.Sprintf("%s %s %s", ts, style.Info.Render(e.Source), msg)
	case events.EventProgress:
		return fmt.Sprintf("%s %s %s %s", ts, style.Dim.Render(e.Source), e.Phase, formatFields(e.Fields))
	case events.EventResult:
		prefix := style.SuccessPrefix
		if e.Phase != "completed" && e.Phase != "safe" && e.Phase != "already_safe" {
			prefix = style.ErrorPrefix
		}
		return fmt.Sprintf("%s %s %s %s", ts, prefix, e.Source, e.Phase)
	case events.EventSession:
		return fmt.Sprintf("%s %s %s", ts, style.Warning.Render("session"), e.Phase)
	case events.EventLine, events.EventCommand:
		if !verbose {
			return ""
		}
		return fmt.Sprintf("%s %s", ts, style.Dim.Render(e.Message))
	}
	return ""
}

func formatFields(fields map[string]float64) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.2f", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
