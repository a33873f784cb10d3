// Package telemetry parses kOS command output into values.
//
// Each parser accepts one narrow output shape, documented on the function.
// On failure it returns a *ParseError carrying the raw output so callers can
// fall back to showing it.
package telemetry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports output that did not have the expected shape.
type ParseError struct {
	Want string // what the parser was looking for
	Raw  string // the unparsed output
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 80 {
		raw = raw[:77] + "..."
	}
	return fmt.Sprintf("cannot parse %s from %q", e.Want, raw)
}

var numberRE = regexp.MustCompile(`[-+]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?`)

// ParseFloat returns the first number in raw. kOS prints large and small
// values in E notation ("1.5E-05"), which is accepted.
func ParseFloat(raw string) (float64, error) {
	tok := numberRE.FindString(raw)
	if tok == "" {
		return 0, &ParseError{Want: "number", Raw: raw}
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, &ParseError{Want: "number", Raw: raw}
	}
	return v, nil
}

// ParseBool reads the first line that is exactly True or False, ignoring case
// and surrounding whitespace.
func ParseBool(raw string) (bool, error) {
	for _, line := range strings.Split(raw, "\n") {
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, &ParseError{Want: "boolean", Raw: raw}
}

// Labeled holds KEY:VALUE pairs. Keys are upper-cased.
type Labeled map[string]string

var labeledRE = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_]*)\s*:\s*(.*?)\s*$`)

// ParseLabeled reads lines of the form KEY:VALUE. The value is everything
// after the first colon. Lines that do not match are skipped; output with no
// labeled line at all is an error. A repeated key keeps its last value.
func ParseLabeled(raw string) (Labeled, error) {
	out := Labeled{}
	for _, line := range strings.Split(raw, "\n") {
		m := labeledRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out[strings.ToUpper(m[1])] = m[2]
	}
	if len(out) == 0 {
		return nil, &ParseError{Want: "labeled values", Raw: raw}
	}
	return out, nil
}

// String returns the value for key.
func (l Labeled) String(key string) (string, bool) {
	v, ok := l[strings.ToUpper(key)]
	return v, ok
}

// Float parses the value for key as a number.
func (l Labeled) Float(key string) (float64, error) {
	v, ok := l.String(key)
	if !ok {
		return 0, &ParseError{Want: "label " + strings.ToUpper(key), Raw: l.raw()}
	}
	return ParseFloat(v)
}

// FloatOr returns the value for key, or def when it is missing or not a
// number.
func (l Labeled) FloatOr(key string, def float64) float64 {
	v, err := l.Float(key)
	if err != nil {
		return def
	}
	return v
}

// Bool parses the value for key as True/False.
func (l Labeled) Bool(key string) (bool, error) {
	v, ok := l.String(key)
	if !ok {
		return false, &ParseError{Want: "label " + strings.ToUpper(key), Raw: l.raw()}
	}
	return ParseBool(v)
}

func (l Labeled) raw() string {
	var b strings.Builder
	for k, v := range l {
		b.WriteString(k + ":" + v + "\n")
	}
	return b.String()
}

// ParseDelimited splits the first line containing '|' into trimmed fields.
// When want is positive the line must have exactly that many fields.
func ParseDelimited(raw string, want int) ([]string, error) {
	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		fields := strings.Split(line, "|")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if want > 0 && len(fields) != want {
			return nil, &ParseError{Want: fmt.Sprintf("%d delimited fields", want), Raw: raw}
		}
		return fields, nil
	}
	return nil, &ParseError{Want: "delimited fields", Raw: raw}
}

// ParseDelimitedFloats is ParseDelimited with every field parsed as a number.
func ParseDelimitedFloats(raw string, want int) ([]float64, error) {
	fields, err := ParseDelimited(raw, want)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := ParseFloat(f)
		if err != nil {
			return nil, &ParseError{Want: fmt.Sprintf("number in field %d", i+1), Raw: raw}
		}
		out[i] = v
	}
	return out, nil
}
