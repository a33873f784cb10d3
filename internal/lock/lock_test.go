package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	if err := a.Acquire("/tmp/kosctl.sock"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	info, err := a.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.PID != os.Getpid() || info.Socket != "/tmp/kosctl.sock" {
		t.Errorf("info = %+v", info)
	}
	if got := a.Status(); got != "running (this process)" {
		t.Errorf("Status = %q", got)
	}

	b := New(dir)
	if err := b.Acquire("other"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire = %v, want ErrLocked", err)
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := a.Read(); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Read after release = %v, want ErrNotLocked", err)
	}
	if err := b.Acquire("other"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = b.Release()
}

func TestReleaseWithoutAcquire(t *testing.T) {
	if err := New(t.TempDir()).Release(); err != nil {
		t.Errorf("Release = %v", err)
	}
}

func TestStaleInfo(t *testing.T) {
	dir := t.TempDir()
	data, _ := json.Marshal(Info{PID: 1 << 30, AcquiredAt: time.Now()})
	if err := os.WriteFile(filepath.Join(dir, "daemon.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	l := New(dir)
	if _, err := l.Owner(); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Owner = %v, want ErrNotLocked for a dead PID", err)
	}
	if got := l.Status(); !strings.HasPrefix(got, "stale") {
		t.Errorf("Status = %q, want stale", got)
	}
	// A stale file does not block a new owner.
	if err := l.Acquire("sock"); err != nil {
		t.Fatalf("Acquire over stale info: %v", err)
	}
	_ = l.Release()
}

func TestInvalidInfo(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "daemon.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir).Read(); !errors.Is(err, ErrInvalidLock) {
		t.Errorf("Read = %v, want ErrInvalidLock", err)
	}
}
