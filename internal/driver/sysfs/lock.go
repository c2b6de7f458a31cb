package sysfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/torchd/internal/driver"
	"github.com/oshokin/torchd/internal/logger"
)

// ErrLockHeld is returned when a live process owns the device lock.
var ErrLockHeld = errors.New("device is locked by another process")

// processChecker reports whether a PID belongs to a running process.
type processChecker interface {
	Alive(pid int) bool
}

type goPSChecker struct{}

// Alive implements processChecker using the process table.
func (goPSChecker) Alive(pid int) bool {
	p, err := ps.FindProcess(pid)

	return err == nil && p != nil
}

func (d *Driver) lockPath(id driver.ResourceID) string {
	return filepath.Join(d.opts.LockDir, filepath.Base(string(id))+lockSuffix)
}

// acquireLock writes our PID into the device lock file. A lock left behind by
// a dead process is taken over.
func (d *Driver) acquireLock(ctx context.Context, id driver.ResourceID) (driver.Code, error) {
	if d.opts.LockDir == "" {
		return driver.CodeUnknown, nil
	}

	if err := os.MkdirAll(d.opts.LockDir, 0o755); err != nil { //nolint:gosec // Lock files are not secret.
		return driver.CodeService, fmt.Errorf("create lock dir: %w", err)
	}

	path := d.lockPath(id)
	self := os.Getpid()

	raw, err := os.ReadFile(path)

	switch {
	case err == nil:
		owner, parseErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if parseErr == nil && owner == self {
			return driver.CodeUnknown, nil
		}

		if parseErr == nil && d.alive.Alive(owner) {
			return driver.CodeInUse, fmt.Errorf("%w: pid %d", ErrLockHeld, owner)
		}

		logger.WarnKV(ctx, "Taking over stale LED lock", "led", id, "previous_owner", strings.TrimSpace(string(raw)))
	case errors.Is(err, fs.ErrNotExist):
	default:
		return driver.CodeService, fmt.Errorf("read lock: %w", err)
	}

	if err = os.WriteFile(path, []byte(strconv.Itoa(self)), 0o644); err != nil { //nolint:gosec // The lock only holds a PID.
		return codeForIO(err), fmt.Errorf("write lock: %w", err)
	}

	return driver.CodeUnknown, nil
}

func (d *Driver) releaseLock(ctx context.Context, id driver.ResourceID) {
	if d.opts.LockDir == "" {
		return
	}

	if err := os.Remove(d.lockPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to remove LED lock", "led", id, "error", err)
	}
}
