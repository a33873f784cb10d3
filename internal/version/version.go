// Package version reports the kosctl build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// ShortCommit truncates hash to 12 characters.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// resolveCommitHash prefers Commit and falls back to VCS build info.
func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// commitsMatch reports whether a and b name the same commit, allowing one to
// be an abbreviation of the other. Hashes shorter than 7 never match.
func commitsMatch(a, b string) bool {
	if len(a) < 7 || len(b) < 7 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// Current returns the commit the running binary was built from, or "".
func Current() string {
	return resolveCommitHash()
}

// Matches reports whether the running binary was built from commit.
func Matches(commit string) bool {
	return commitsMatch(resolveCommitHash(), commit)
}

// String renders the version line.
func String() string {
	s := "kosctl " + Version
	if c := ShortCommit(resolveCommitHash()); c != "" {
		s += " (" + c + ")"
	}
	return fmt.Sprintf("%s %s/%s", s, runtime.GOOS, runtime.GOARCH)
}
