package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestAcquireLockWritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	h := parseHolder(string(data))
	if h.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), h.PID)
	}
	if h.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %q", h.Addr)
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("unexpected start time %v", h.Started)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir, ":9090")
	if err == nil {
		second.Release()
		t.Fatal("expected second AcquireLock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Addr != ":8080" {
		t.Errorf("holder details not preserved: %+v", lockErr.Holder)
	}
	msg := err.Error()
	for _, want := range []string{"another MedPipe instance", lockErr.LockPath, "(running)", "serving :8080"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q:\n%s", want, msg)
		}
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("expected lock file to be removed, stat err=%v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestStaleLockFileIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	stale := "pid=999999\nstarted=2020-01-01T00:00:00Z\n"
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("expected unlocked stale file to be taken over, got %v", err)
	}
	defer lock.Release()
	data, _ := os.ReadFile(lock.Path())
	if strings.Contains(string(data), "999999") {
		t.Errorf("stale holder details were not replaced: %q", data)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=42\nstarted=2025-11-16T08:00:00Z\naddr=:8080\n", Holder{PID: 42, Started: time.Date(2025, 11, 16, 8, 0, 0, 0, time.UTC), Addr: ":8080"}},
		{"pid only", "pid=7", Holder{PID: 7}},
		{"garbage", "hello world", Holder{}},
		{"bad pid", "pid=abc\n", Holder{}},
		{"negative pid", "pid=-3\n", Holder{}},
		{"empty", "", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) || got.Addr != tt.want.Addr {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}
