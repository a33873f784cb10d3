package session

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// ErrNoSuchCPU is returned when no menu row matches the selector.
var ErrNoSuchCPU = errors.New("no such CPU")

// MenuEntry is one row of the CPU selection menu.
type MenuEntry struct {
	ID      int    `json:"id"`
	GUIOpen bool   `json:"gui_open"`
	Telnets int    `json:"telnets"`
	Vessel  string `json:"vessel"`
	Part    string `json:"part"`
	Label   string `json:"label,omitempty"`
}

func (e MenuEntry) String() string {
	if e.Label != "" {
		return fmt.Sprintf("[%d] %s (%s(%s))", e.ID, e.Vessel, e.Part, e.Label)
	}
	return fmt.Sprintf("[%d] %s (%s)", e.ID, e.Vessel, e.Part)
}

var (
	// [1]   no    0     Kerbal X (KAL9000(flight))
	menuRowRE = regexp.MustCompile(`^\s*\[\s*(\d+)\s*\]\s+(yes|no)\s+(\d+)\s+(.+?)\s*$`)

	// Vessel name followed by "(part)" or "(part(label))" at the end of the row.
	menuCPURE = regexp.MustCompile(`^(.*?)\s*\(([^()]*)(?:\(([^()]*)\))?\)$`)

	menuFooterRE = regexp.MustCompile(`(?i)choose a cpu|enter \[q\]`)

	attachAckRE = regexp.MustCompile(`(?m)^\s*Proceed\.\s*$|kOS Operating System`)
)

// ParseMenu extracts the CPU rows from menu text. Rows that do not have the
// expected columns are skipped.
func ParseMenu(text string) []MenuEntry {
	var entries []MenuEntry
	for _, line := range strings.Split(text, "\n") {
		m := menuRowRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cpu := menuCPURE.FindStringSubmatch(m[4])
		if cpu == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		telnets, _ := strconv.Atoi(m[3])
		entries = append(entries, MenuEntry{
			ID:      id,
			GUIOpen: m[2] == "yes",
			Telnets: telnets,
			Vessel:  strings.TrimSpace(cpu[1]),
			Part:    strings.TrimSpace(cpu[2]),
			Label:   strings.TrimSpace(cpu[3]),
		})
	}
	return entries
}

// IsMenuComplete reports whether the menu footer has been received, after
// which no more rows follow.
func IsMenuComplete(text string) bool {
	return menuFooterRE.MatchString(text)
}

// IsAttached reports whether text contains the acknowledgement printed after
// a CPU is selected.
func IsAttached(text string) bool {
	return attachAckRE.MatchString(text)
}

// Selector picks a CPU from the menu. ID wins over Label; with neither set
// the first row is chosen.
type Selector struct {
	ID    int    `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
}

// IsZero reports whether no criteria are set.
func (s Selector) IsZero() bool {
	return s.ID == 0 && s.Label == ""
}

func (s Selector) String() string {
	switch {
	case s.ID != 0:
		return "#" + strconv.Itoa(s.ID)
	case s.Label != "":
		return strconv.Quote(s.Label)
	default:
		return "first"
	}
}

// Matches reports whether the attached CPU described by st satisfies s.
func (s Selector) Matches(st State) bool {
	if !st.Connected {
		return false
	}
	_, err := Select([]MenuEntry{{ID: st.CPUID, Label: st.CPULabel, Vessel: st.Vessel, Part: st.Part}}, s)
	return err == nil
}

// Select returns the entry matching sel. Labels match as a case-insensitive
// substring of the CPU tag; when no tag matches, part names are tried.
func Select(entries []MenuEntry, sel Selector) (MenuEntry, error) {
	if len(entries) == 0 {
		return MenuEntry{}, fmt.Errorf("%w: menu lists no CPUs", ErrNoSuchCPU)
	}
	switch {
	case sel.ID != 0:
		for _, e := range entries {
			if e.ID == sel.ID {
				return e, nil
			}
		}
	case sel.Label != "":
		fold := cases.Fold()
		want := fold.String(sel.Label)
		for _, e := range entries {
			if e.Label != "" && strings.Contains(fold.String(e.Label), want) {
				return e, nil
			}
		}
		for _, e := range entries {
			if strings.Contains(fold.String(e.Part), want) {
				return e, nil
			}
		}
	default:
		return entries[0], nil
	}
	return MenuEntry{}, fmt.Errorf("%w: %s (menu has %d CPUs)", ErrNoSuchCPU, sel, len(entries))
}
