// Package lock keeps a single daemon per state directory.
//
// The daemon holds an advisory flock on <state>/daemon.lock for its whole
// lifetime and records who it is in <state>/daemon.json:
// - PID of the owning process
// - Timestamp when the lock was acquired
// - Socket the daemon listens on
//
// The flock is released by the kernel when the process dies, so a leftover
// info file whose PID is dead is stale and ignored.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Common errors
var (
	ErrLocked      = errors.New("daemon already running")
	ErrNotLocked   = errors.New("daemon is not running")
	ErrInvalidLock = errors.New("invalid lock info")
)

// Info describes the process holding the lock.
type Info struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Socket     string    `json:"socket,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
}

// IsStale checks if the owning process is dead.
func (i *Info) IsStale() bool {
	return !processExists(i.PID)
}

// Lock is the daemon lock for one state directory.
type Lock struct {
	infoPath string
	fl       *flock.Flock
}

// New creates a Lock in stateDir.
func New(stateDir string) *Lock {
	return &Lock{
		infoPath: filepath.Join(stateDir, "daemon.json"),
		fl:       flock.New(filepath.Join(stateDir, "daemon.lock")),
	}
}

// Acquire takes the lock without blocking and records this process as the
// owner. Returns ErrLocked if another process holds it.
func (l *Lock) Acquire(socket string) error {
	if err := os.MkdirAll(filepath.Dir(l.infoPath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.fl.Path(), err)
	}
	if !ok {
		if info, err := l.Read(); err == nil {
			return fmt.Errorf("%w: PID %d (socket: %s, since: %s)",
				ErrLocked, info.PID, info.Socket, info.AcquiredAt.Format(time.RFC3339))
		}
		return ErrLocked
	}
	if err := l.write(socket); err != nil {
		_ = l.fl.Unlock()
		return err
	}
	return nil
}

// Release drops the lock and removes the info file if we hold it.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := os.Remove(l.infoPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock info: %w", err)
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking: %w", err)
	}
	return nil
}

// Read returns the recorded owner without taking the lock.
func (l *Lock) Read() (*Info, error) {
	data, err := os.ReadFile(l.infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("reading lock info: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	return &info, nil
}

// Owner returns the live owner's info, or ErrNotLocked when no live process
// holds the lock.
func (l *Lock) Owner() (*Info, error) {
	info, err := l.Read()
	if err != nil {
		return nil, err
	}
	if info.IsStale() {
		return nil, ErrNotLocked
	}
	return info, nil
}

// Status returns a human-readable status of the lock.
func (l *Lock) Status() string {
	info, err := l.Read()
	if err != nil {
		if errors.Is(err, ErrNotLocked) {
			return "not running"
		}
		return fmt.Sprintf("error: %v", err)
	}
	if info.IsStale() {
		return fmt.Sprintf("stale (dead PID %d)", info.PID)
	}
	if info.PID == os.Getpid() {
		return "running (this process)"
	}
	return fmt.Sprintf("running as PID %d (socket: %s)", info.PID, info.Socket)
}

func (l *Lock) write(socket string) error {
	hostname, _ := os.Hostname()
	info := Info{
		PID:        os.Getpid(),
		AcquiredAt: time.Now(),
		Socket:     socket,
		Hostname:   hostname,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}
	if err := os.WriteFile(l.infoPath, data, 0o600); err != nil {
		return fmt.Errorf("writing lock info: %w", err)
	}
	return nil
}
