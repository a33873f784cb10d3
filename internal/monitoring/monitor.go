package monitoring

import (
	"strings"
	"sync"
	"time"
)

// Window defaults.
const (
	DefaultWindowSize    = 100
	DefaultLoopWindow    = 20
	DefaultLoopThreshold = 5
)

type entry struct {
	line      string
	signature string // "" for non-error lines
}

// Monitor keeps a bounded window of recent console lines and counts error
// signatures. It is safe for concurrent use.
type Monitor struct {
	mu            sync.RWMutex
	ring          []entry
	next          int // ring slot for the next line
	size          int // lines currently held
	freq          map[string]int
	lastError     string
	lastActivity  time.Time
	patterns      *PatternRegistry
	quietAfter    time.Duration
	loopWindow    int
	loopThreshold int
	onLine        func(line string, kind Kind)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPatternRegistry sets a custom PatternRegistry.
func WithPatternRegistry(r *PatternRegistry) Option {
	return func(m *Monitor) { m.patterns = r }
}

// WithQuietAfter sets how long the console may be silent before Status
// reports it quiet.
func WithQuietAfter(d time.Duration) Option {
	return func(m *Monitor) { m.quietAfter = d }
}

// WithWindowSize sets how many lines the window holds.
func WithWindowSize(n int) Option {
	return func(m *Monitor) { m.ring = make([]entry, n) }
}

// WithLoopDetection sets the recent-line window and repeat threshold used
// for loop detection.
func WithLoopDetection(window, threshold int) Option {
	return func(m *Monitor) {
		m.loopWindow = window
		m.loopThreshold = threshold
	}
}

// WithLineHook registers fn to be called for every tracked line, outside the
// monitor lock. kind is "" for non-error lines.
func WithLineHook(fn func(line string, kind Kind)) Option {
	return func(m *Monitor) { m.onLine = fn }
}

// New creates a Monitor with the given options.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		freq:          make(map[string]int),
		quietAfter:    DefaultQuietAfter,
		loopWindow:    DefaultLoopWindow,
		loopThreshold: DefaultLoopThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.ring) == 0 {
		m.ring = make([]entry, DefaultWindowSize)
	}
	if m.patterns == nil {
		m.patterns = NewPatternRegistry()
	}
	if m.loopWindow > len(m.ring) {
		m.loopWindow = len(m.ring)
	}
	return m
}

// TrackLine records one line of console output.
func (m *Monitor) TrackLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	kind := m.patterns.Detect(line)

	m.mu.Lock()
	e := entry{line: line}
	if kind != "" {
		e.signature = Normalize(line)
		m.lastError = line
	}
	if m.size == len(m.ring) {
		if old := m.ring[m.next].signature; old != "" {
			if m.freq[old]--; m.freq[old] <= 0 {
				delete(m.freq, old)
			}
		}
	} else {
		m.size++
	}
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	if e.signature != "" {
		m.freq[e.signature]++
	}
	m.lastActivity = time.Now()
	hook := m.onLine
	m.mu.Unlock()

	if hook != nil {
		hook(line, kind)
	}
}

// TrackLines records several lines in order.
func (m *Monitor) TrackLines(lines []string) {
	for _, l := range lines {
		m.TrackLine(l)
	}
}

// Clear empties the window. Procedures call it between independent
// operations so old errors do not count against the next one.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ring {
		m.ring[i] = entry{}
	}
	m.next, m.size = 0, 0
	m.freq = make(map[string]int)
	m.lastError = ""
}

// Status summarises the window.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		LastError:    m.lastError,
		Lines:        m.size,
		LastActivity: m.lastActivity,
		Activity:     activityAt(m.lastActivity, time.Now(), m.quietAfter),
	}
	for _, n := range m.freq {
		st.ErrorCount += n
	}
	st.HasErrors = st.ErrorCount > 0

	// Walk the most recent lines newest first; on ties the signature seen
	// most recently wins.
	recent := make(map[string]int)
	n := min(m.loopWindow, m.size)
	for i := 1; i <= n; i++ {
		e := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if e.signature == "" {
			continue
		}
		recent[e.signature]++
		if c := recent[e.signature]; c > st.LoopCount {
			st.LoopCount = c
			st.ErrorPattern = e.signature
		}
	}
	st.IsLooping = st.LoopCount >= m.loopThreshold
	return st
}

// Recent returns up to n of the most recent lines, oldest first.
func (m *Monitor) Recent(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n = min(n, m.size)
	out := make([]string, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, m.ring[(m.next-i+len(m.ring))%len(m.ring)].line)
	}
	return out
}
