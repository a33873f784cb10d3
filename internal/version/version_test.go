package version

import (
	"strings"
	"testing"
)

func TestShortCommit(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want string
	}{
		{"full sha", "abc123def456789012345678901234567890abcd", "abc123def456"},
		{"exactly 12", "abc123def456", "abc123def456"},
		{"shorter than 12", "abc123", "abc123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShortCommit(tt.hash)
			if got != tt.want {
				t.Errorf("ShortCommit(%q) = %q, want %q", tt.hash, got, tt.want)
			}
		})
	}
}

func TestCommitsMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical full", "abc123def456789012345678901234567890abcd", "abc123def456789012345678901234567890abcd", true},
		{"short prefix", "abc123def456", "abc123def456789012345678901234567890abcd", true},
		{"reverse prefix", "abc123def456789012345678901234567890abcd", "abc123def456", true},
		{"different", "abc123def456", "def456abc123", false},
		{"too short a", "abc12", "abc1234567", false},
		{"too short b", "abc1234567", "abc12", false},
		{"both too short", "abc", "abc", false},
		{"exactly 7 matching", "abcdefg", "abcdefghijk", true},
		{"exactly 7 different", "abcdefg", "abcdefx", false},
		{"empty both", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := commitsMatch(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("commitsMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	original := Commit
	defer func() { Commit = original }()
	Commit = "abc123def456789012345678901234567890abcd"

	tests := []struct {
		commit string
		want   bool
	}{
		{"abc123def456", true},
		{"abc123def456789012345678901234567890abcd", true},
		{"def456abc123", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.commit); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.commit, got, tt.want)
		}
	}
	if Current() != Commit {
		t.Errorf("Current() = %q, want %q", Current(), Commit)
	}
}

func TestResolveCommitHash(t *testing.T) {
	original := Commit
	defer func() { Commit = original }()

	t.Run("uses Commit variable when set", func(t *testing.T) {
		Commit = "explicit-commit"
		got := resolveCommitHash()
		if got != "explicit-commit" {
			t.Errorf("resolveCommitHash() = %q, want explicit-commit", got)
		}
	})

	t.Run("falls back to build info when Commit is empty", func(t *testing.T) {
		Commit = ""
		got := resolveCommitHash()
		// We can't control debug.ReadBuildInfo() in tests, but we can verify
		// it doesn't panic and returns a string
		_ = got // may be empty if no VCS info
	})
}

func TestString(t *testing.T) {
	origV, origC := Version, Commit
	defer func() { Version, Commit = origV, origC }()

	Version = "1.2.3"
	Commit = "abc123def456789012345678901234567890abcd"
	got := String()
	if !strings.HasPrefix(got, "kosctl 1.2.3 (abc123def456) ") {
		t.Errorf("String() = %q", got)
	}
	if !Matches("abc123def456") {
		t.Error("Matches(short hash) = false")
	}
}
