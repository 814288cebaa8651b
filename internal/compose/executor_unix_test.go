//go:build !windows

package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// gone reports whether pid has exited; an unreaped zombie counts as gone.
func gone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return strings.Contains(string(stat), ") Z ")
}

func TestCancelStopsWholeProcessGroup(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "docker-compose-build.log")
	exec := shExecutor(`sleep 30 & echo $! > child.pid; wait`)
	exec.WaitDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pidPath := filepath.Join(dir, "child.pid")
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if data, err := os.ReadFile(pidPath); err == nil && strings.HasSuffix(string(data), "\n") {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	err := exec.Build(ctx, "docker-compose.yml", nil, dir, logPath)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse child pid %q: %v", data, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !gone(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("background command %d outlived the canceled build", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
