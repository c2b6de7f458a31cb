package sysfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/driver"
	"github.com/oshokin/torchd/internal/logger"
)

const (
	brightnessFile    = "brightness"
	maxBrightnessFile = "max_brightness"
	triggerFile       = "trigger"
	// triggerNone detaches the LED from kernel triggers so brightness writes stick.
	triggerNone = "none"
	lockSuffix  = ".lock"
	// DefaultRoot is where the kernel exposes LED class devices.
	DefaultRoot = "/sys/class/leds"
)

var (
	// ErrForeignHandle is returned when a handle was not created by this driver.
	ErrForeignHandle = errors.New("handle does not belong to the sysfs driver")
	// ErrUnsupportedTarget is returned for any target other than driver.TorchTarget.
	ErrUnsupportedTarget = errors.New("unsupported session target")
	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("device is closed")
)

// Options configure the driver.
type Options struct {
	// Root is the LED class directory.
	Root string
	// Pattern filters device names (filepath.Match syntax).
	Pattern string
	// LockDir holds per-device PID lock files. Empty disables locking.
	LockDir string
	// MaxOpen limits simultaneously open devices. Zero means unlimited.
	MaxOpen int
}

// Driver implements driver.Driver on top of sysfs.
type Driver struct {
	opts   Options
	worker *dispatch.Loop
	alive  processChecker

	// mu guards open.
	mu   sync.Mutex
	open map[driver.ResourceID]*device
}

var _ driver.Driver = (*Driver)(nil)

type device struct {
	id     driver.ResourceID
	dir    string
	cb     driver.DeviceCallbacks
	closed atomic.Bool
}

// ID implements driver.Device.
func (d *device) ID() driver.ResourceID { return d.id }

// String names the device in logs.
func (d *device) String() string { return string(d.id) }

type captureSession struct {
	dev *device
}

// Device implements driver.CaptureSession.
func (c *captureSession) Device() driver.Device { return c.dev }

// New creates a driver. Run must be called for callbacks to be delivered.
func New(opts Options) *Driver {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}

	if opts.Pattern == "" {
		opts.Pattern = "*"
	}

	return &Driver{
		opts:   opts,
		worker: dispatch.New(),
		alive:  goPSChecker{},
		open:   make(map[driver.ResourceID]*device),
	}
}

// Run executes queued device IO until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	return d.worker.Run(logger.WithName(ctx, "sysfs"))
}

// Flush executes queued device IO on the calling goroutine. It is used at
// shutdown, after Run has returned, so that pending Close writes land.
func (d *Driver) Flush(ctx context.Context) int {
	return d.worker.Drain(logger.WithName(ctx, "sysfs"))
}

// ListCapableResources returns LED names matching the pattern that report a
// positive max_brightness, sorted by name.
func (d *Driver) ListCapableResources(ctx context.Context) ([]driver.ResourceID, error) {
	entries, err := os.ReadDir(d.opts.Root)
	if err != nil {
		return nil, driver.NewError("list", driver.CodeService, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		ok, matchErr := filepath.Match(d.opts.Pattern, e.Name())
		if matchErr != nil {
			return nil, driver.NewError("list", driver.CodeService, matchErr)
		}

		if !ok {
			continue
		}

		if _, found := d.QueryMaxIntensity(ctx, driver.ResourceID(e.Name())); found {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	ids := make([]driver.ResourceID, 0, len(names))
	for _, n := range names {
		ids = append(ids, driver.ResourceID(n))
	}

	return ids, nil
}

// QueryMaxIntensity reads max_brightness.
func (d *Driver) QueryMaxIntensity(ctx context.Context, id driver.ResourceID) (int, bool) {
	raw, err := os.ReadFile(filepath.Join(d.dir(id), maxBrightnessFile))
	if err != nil {
		return 0, false
	}

	value, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || value <= 0 {
		logger.DebugKV(ctx, "Ignoring LED without usable max_brightness", "led", id, "raw", string(raw))

		return 0, false
	}

	return value, true
}

// Open checks write access synchronously and completes the open on the worker.
func (d *Driver) Open(id driver.ResourceID, cb driver.DeviceCallbacks) error {
	dir := d.dir(id)

	f, err := os.OpenFile(filepath.Join(dir, brightnessFile), os.O_WRONLY, 0)
	if err != nil {
		return driver.NewError("open", codeForIO(err), err)
	}

	_ = f.Close()

	dev := &device{id: id, dir: dir, cb: cb}

	d.worker.Post(func(ctx context.Context) {
		d.completeOpen(ctx, dev)
	})

	return nil
}

// ConfigureSession detaches the LED from kernel triggers.
func (d *Driver) ConfigureSession(dev driver.Device, target driver.Target, cb driver.SessionCallbacks) error {
	sd, ok := dev.(*device)
	if !ok {
		return ErrForeignHandle
	}

	if target != driver.TorchTarget {
		return fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	}

	cs := &captureSession{dev: sd}

	d.worker.Post(func(ctx context.Context) {
		if sd.closed.Load() {
			return
		}

		if err := writeTrigger(sd.dir); err != nil {
			logger.ErrorKV(ctx, "Failed to reset LED trigger", "led", sd.id, "error", err)
			cb.OnConfigureFailed(cs)

			return
		}

		cb.OnConfigured(cs)
	})

	return nil
}

// Operate queues a brightness write. Failures are reported via DeviceCallbacks.
func (d *Driver) Operate(cs driver.CaptureSession, intensity int) error {
	sc, ok := cs.(*captureSession)
	if !ok {
		return ErrForeignHandle
	}

	dev := sc.dev
	if dev.closed.Load() {
		return driver.NewError("operate", driver.CodeDisconnected, ErrDeviceClosed)
	}

	d.worker.Post(func(ctx context.Context) {
		if dev.closed.Load() {
			return
		}

		err := writeBrightness(dev.dir, intensity)

		switch {
		case err == nil:
			logger.DebugKV(ctx, "Brightness written", "led", dev.id, "value", intensity)
		case errors.Is(err, fs.ErrNotExist):
			logger.WarnKV(ctx, "LED vanished", "led", dev.id)
			dev.cb.OnDisconnected(dev)
		default:
			logger.ErrorKV(ctx, "Failed to write brightness", "led", dev.id, "error", err)
			dev.cb.OnError(dev, driver.CodeDevice)
		}
	})

	return nil
}

// Close turns the LED off and releases its lock. It never reports back.
func (d *Driver) Close(dev driver.Device) {
	sd, ok := dev.(*device)
	if !ok || !sd.closed.CompareAndSwap(false, true) {
		return
	}

	d.worker.Post(func(ctx context.Context) {
		d.mu.Lock()
		owned := d.open[sd.id] == sd
		if owned {
			delete(d.open, sd.id)
		}
		d.mu.Unlock()

		// A handle that never completed its open, or was evicted by a newer
		// one, must not touch the LED the current holder is driving.
		if !owned {
			return
		}

		if err := writeBrightness(sd.dir, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WarnKV(ctx, "Failed to turn LED off on close", "led", sd.id, "error", err)
		}

		d.releaseLock(ctx, sd.id)
	})
}

// OpenCount returns the number of devices currently held.
func (d *Driver) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.open)
}

func (d *Driver) completeOpen(ctx context.Context, dev *device) {
	if dev.closed.Load() {
		return
	}

	// A newer open of an LED this driver already holds replaces the older
	// handle, so the slot it occupies does not count against MaxOpen.
	d.mu.Lock()
	prev := d.open[dev.id]
	full := prev == nil && d.opts.MaxOpen > 0 && len(d.open) >= d.opts.MaxOpen
	d.mu.Unlock()

	if full {
		logger.WarnKV(ctx, "Open device limit reached", "led", dev.id, "max_open", d.opts.MaxOpen)
		dev.cb.OnError(dev, driver.CodeMaxInUse)

		return
	}

	if code, err := d.acquireLock(ctx, dev.id); err != nil {
		logger.ErrorKV(ctx, "Failed to lock LED", "led", dev.id, "error", err)
		dev.cb.OnError(dev, code)

		return
	}

	d.mu.Lock()
	d.open[dev.id] = dev
	d.mu.Unlock()

	if prev != nil && prev.closed.CompareAndSwap(false, true) {
		logger.InfoKV(ctx, "LED handle evicted by a newer open", "led", dev.id)
		prev.cb.OnDisconnected(prev)
	}

	logger.InfoKV(ctx, "LED opened", "led", dev.id)
	dev.cb.OnOpened(dev)
}

func (d *Driver) dir(id driver.ResourceID) string {
	return filepath.Join(d.opts.Root, filepath.Base(string(id)))
}

func writeBrightness(dir string, value int) error {
	return writeAttr(filepath.Join(dir, brightnessFile), strconv.Itoa(value))
}

func writeTrigger(dir string) error {
	err := writeAttr(filepath.Join(dir, triggerFile), triggerNone)
	if errors.Is(err, fs.ErrNotExist) {
		// Not every LED supports triggers.
		if _, statErr := os.Stat(dir); statErr == nil {
			return nil
		}
	}

	return err
}

// writeAttr writes a sysfs attribute without creating it.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}

	if _, err = f.WriteString(value); err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}

func codeForIO(err error) driver.Code {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return driver.CodePermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return driver.CodeDisconnected
	default:
		return driver.CodeDevice
	}
}
