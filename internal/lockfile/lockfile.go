// Package lockfile keeps two MedPipe processes from dispatching reminders out
// of the same state directory.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the holder exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "medpipe.lock"

// Holder describes the process that owns a lock, as written to the lock file.
type Holder struct {
	PID     int
	Started time.Time
	Addr    string
}

func (h Holder) encode() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=%d\n", h.PID)
	fmt.Fprintf(&sb, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	if h.Addr != "" {
		fmt.Fprintf(&sb, "addr=%s\n", h.Addr)
	}
	return sb.String()
}

// parseHolder reads the key=value lines of a lock file. Unknown keys are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		case "addr":
			h.Addr = value
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. addr is recorded for the error shown to a second instance. If the
// lock is held elsewhere a *LockError describes the holder.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			lockErr.Holder = parseHolder(string(data))
		}
		slog.Error("lockfile.AcquireLock: state directory is locked", "lock_path", lockPath, "holder_pid", lockErr.Holder.PID)
		return nil, lockErr
	}

	holder := Holder{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", lockPath, "pid", holder.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err, "lock_path", f.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove first so a waiting instance never sees our stale details.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", l.path, closeErr)
	}
	slog.Info("lockfile.Release: released", "lock_path", l.path)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var sb strings.Builder
	sb.WriteString("another MedPipe instance is using this state directory\n\n")
	fmt.Fprintf(&sb, "Lock file: %s\n", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !processAlive(e.Holder.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&sb, "Holder: PID %d (%s)", e.Holder.PID, state)
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&sb, ", started %s", e.Holder.Started.Format(time.RFC3339))
		}
		if e.Holder.Addr != "" {
			fmt.Fprintf(&sb, ", serving %s", e.Holder.Addr)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nStop the other instance or point --state-dir elsewhere. Remove %s only if no MedPipe process is running.", e.LockPath)
	return sb.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// processAlive sends signal 0, which checks existence without delivering anything.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
