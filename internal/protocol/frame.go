package protocol

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// SentinelPrefix starts every sentinel token.
const SentinelPrefix = "KOSCTL_"

// NewSentinel returns a fresh sentinel token: the prefix followed by a random
// UUID in upper-case hex without dashes.
func NewSentinel() string {
	return SentinelPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Frame appends the sentinel-printing statement to command. A multi-line
// command is joined onto one console line, so its whole output follows a
// single echo. A missing statement terminator is added so the console runs
// both statements.
func Frame(command, sentinel string) string {
	stmt := sentinelStatement(sentinel)
	cmd := joinLines(command)
	if cmd == "" {
		return stmt + "\n"
	}
	if !strings.HasSuffix(cmd, ".") && !strings.HasSuffix(cmd, "}") {
		cmd += "."
	}
	return cmd + " " + stmt + "\n"
}

// joinLines puts the lines of command on one line, dropping blank lines
// and // comments, which would otherwise swallow the statements after them.
func joinLines(command string) string {
	var parts []string
	for _, line := range strings.Split(command, "\n") {
		if line = strings.TrimSpace(stripComment(line)); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// stripComment cuts line at a // that is not inside a string literal.
func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"':
			inString = !inString
		case !inString && strings.HasPrefix(line[i:], "//"):
			return line[:i]
		}
	}
	return line
}

func sentinelStatement(sentinel string) string {
	return `PRINT "` + sentinel + `".`
}

// sentinelLine matches sentinel alone on a line. The line must end with a
// newline or the end of the buffer, and the echo `PRINT "<sentinel>".` never
// starts a line with the bare token.
func sentinelLine(sentinel string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(sentinel) + `[ \t]*(?:\n|$)`)
}

// splitResponse looks for the sentinel line in buf. When found it returns the
// command output: the text after the echo of the framed statement (and after
// any line carrying a stale sentinel) up to the sentinel line.
func splitResponse(buf, sentinel string, stale []string) (output string, found bool) {
	loc := sentinelLine(sentinel).FindStringIndex(buf)
	if loc == nil {
		return "", false
	}
	return cleanOutput(buf[:loc[0]], sentinel, stale), true
}

// cleanOutput removes the echo and any late output of earlier commands from
// pre, the text preceding a sentinel line (or a partial buffer).
func cleanOutput(pre, sentinel string, stale []string) string {
	cut := 0
	if end := lastIndexSkippingNewlines(pre, sentinelStatement(sentinel)); end >= 0 {
		if nl := strings.IndexByte(pre[end:], '\n'); nl >= 0 {
			cut = end + nl + 1
		} else {
			cut = len(pre)
		}
	}
	for _, s := range stale {
		locs := sentinelLine(s).FindAllStringIndex(pre, -1)
		if n := len(locs); n > 0 && locs[n-1][1] > cut {
			cut = locs[n-1][1]
		}
	}
	return strings.Trim(pre[cut:], "\n")
}

// lastIndexSkippingNewlines finds the last occurrence of marker in s while
// ignoring newlines in s, so an echo wrapped by a narrow console still
// matches. It returns the index in s just past the match, or -1.
func lastIndexSkippingNewlines(s, marker string) int {
	if !strings.Contains(s, "\n") {
		if i := strings.LastIndex(s, marker); i >= 0 {
			return i + len(marker)
		}
		return -1
	}
	var flat strings.Builder
	pos := make([]int, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			continue
		}
		flat.WriteByte(s[i])
		pos = append(pos, i)
	}
	i := strings.LastIndex(flat.String(), marker)
	if i < 0 {
		return -1
	}
	return pos[i+len(marker)-1] + 1
}

// containsSentinelLine reports whether buf holds sentinel on a line of its own.
func containsSentinelLine(buf, sentinel string) bool {
	return sentinelLine(sentinel).MatchString(buf)
}
