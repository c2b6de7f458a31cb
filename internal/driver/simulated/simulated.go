package simulated

import (
	"context"
	"errors"
	"sync"

	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/driver"
	"github.com/oshokin/torchd/internal/logger"
)

// ErrUnknownDevice is returned for IDs that were never configured.
var ErrUnknownDevice = errors.New("unknown simulated device")

// DeviceSpec describes one simulated device. MaxIntensity <= 0 models a
// device without intensity control.
type DeviceSpec struct {
	ID           string
	MaxIntensity int
}

type deviceState struct {
	spec DeviceSpec

	// Failures injected for the next matching call.
	openFailure      *driver.Code
	configureFailure bool
	operateFailure   *driver.Code

	handle    *device
	intensity int
	history   []int
}

type device struct {
	id driver.ResourceID
	cb driver.DeviceCallbacks
	// closed is only touched under Driver.mu.
	closed bool
}

// ID implements driver.Device.
func (d *device) ID() driver.ResourceID { return d.id }

type captureSession struct {
	dev *device
}

// Device implements driver.CaptureSession.
func (c *captureSession) Device() driver.Device { return c.dev }

// Driver is an in-memory driver.Driver.
type Driver struct {
	worker *dispatch.Loop

	mu      sync.Mutex
	devices map[driver.ResourceID]*deviceState
	order   []driver.ResourceID
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver exposing specs in the given order.
func New(specs ...DeviceSpec) *Driver {
	d := &Driver{
		worker:  dispatch.New(),
		devices: make(map[driver.ResourceID]*deviceState, len(specs)),
	}

	for _, s := range specs {
		id := driver.ResourceID(s.ID)
		d.devices[id] = &deviceState{spec: s}
		d.order = append(d.order, id)
	}

	return d
}

// Run delivers callbacks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	return d.worker.Run(logger.WithName(ctx, "simulated"))
}

// Flush delivers pending callbacks on the calling goroutine.
func (d *Driver) Flush(ctx context.Context) int {
	return d.worker.Drain(logger.WithName(ctx, "simulated"))
}

// ListCapableResources implements driver.Driver.
func (d *Driver) ListCapableResources(context.Context) ([]driver.ResourceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]driver.ResourceID(nil), d.order...), nil
}

// QueryMaxIntensity implements driver.Driver.
func (d *Driver) QueryMaxIntensity(_ context.Context, id driver.ResourceID) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.devices[id]
	if !ok || st.spec.MaxIntensity <= 0 {
		return 0, false
	}

	return st.spec.MaxIntensity, true
}

// Open implements driver.Driver.
func (d *Driver) Open(id driver.ResourceID, cb driver.DeviceCallbacks) error {
	d.mu.Lock()
	st, ok := d.devices[id]
	d.mu.Unlock()

	if !ok {
		return driver.NewError("open", driver.CodeDisconnected, ErrUnknownDevice)
	}

	dev := &device{id: id, cb: cb}

	d.worker.Post(func(ctx context.Context) {
		d.mu.Lock()
		failure := st.openFailure
		st.openFailure = nil

		var evicted *device

		if failure == nil {
			if prev := st.handle; prev != nil && !prev.closed {
				prev.closed = true
				evicted = prev
				st.intensity = 0
			}

			st.handle = dev
		}
		d.mu.Unlock()

		if failure != nil {
			logger.DebugKV(ctx, "Injected open failure", "device", id, "code", *failure)
			cb.OnError(dev, *failure)

			return
		}

		if evicted != nil {
			logger.DebugKV(ctx, "Handle evicted by a newer open", "device", id)
			evicted.cb.OnDisconnected(evicted)
		}

		cb.OnOpened(dev)
	})

	return nil
}

// ConfigureSession implements driver.Driver.
func (d *Driver) ConfigureSession(dev driver.Device, target driver.Target, cb driver.SessionCallbacks) error {
	sd, ok := dev.(*device)
	if !ok || target != driver.TorchTarget {
		return driver.NewError("configure", driver.CodeService, ErrUnknownDevice)
	}

	cs := &captureSession{dev: sd}

	d.worker.Post(func(context.Context) {
		d.mu.Lock()
		st := d.devices[sd.id]
		failed := st.configureFailure
		st.configureFailure = false
		closed := sd.closed
		d.mu.Unlock()

		switch {
		case closed:
		case failed:
			cb.OnConfigureFailed(cs)
		default:
			cb.OnConfigured(cs)
		}
	})

	return nil
}

// Operate implements driver.Driver. The value is applied on the worker.
func (d *Driver) Operate(cs driver.CaptureSession, intensity int) error {
	sc, ok := cs.(*captureSession)
	if !ok {
		return driver.NewError("operate", driver.CodeService, ErrUnknownDevice)
	}

	dev := sc.dev

	d.mu.Lock()
	closed := dev.closed
	d.mu.Unlock()

	if closed {
		return driver.NewError("operate", driver.CodeDisconnected, nil)
	}

	d.worker.Post(func(ctx context.Context) {
		d.mu.Lock()
		st := d.devices[dev.id]
		failure := st.operateFailure
		st.operateFailure = nil

		apply := failure == nil && !dev.closed
		if apply {
			st.intensity = intensity
			st.history = append(st.history, intensity)
		}
		d.mu.Unlock()

		if failure != nil {
			logger.DebugKV(ctx, "Injected operate failure", "device", dev.id, "code", *failure)
			dev.cb.OnError(dev, *failure)
		}
	})

	return nil
}

// Close implements driver.Driver.
func (d *Driver) Close(dev driver.Device) {
	sd, ok := dev.(*device)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sd.closed {
		return
	}

	sd.closed = true

	if st, found := d.devices[sd.id]; found && st.handle == sd {
		st.handle = nil
		st.intensity = 0
	}
}

// FailNextOpen makes the next open of id report code.
func (d *Driver) FailNextOpen(id string, code driver.Code) {
	d.withDevice(id, func(st *deviceState) { st.openFailure = &code })
}

// FailNextConfigure makes the next session configuration on id fail.
func (d *Driver) FailNextConfigure(id string) {
	d.withDevice(id, func(st *deviceState) { st.configureFailure = true })
}

// FailNextOperate makes the next operate on id report code.
func (d *Driver) FailNextOperate(id string, code driver.Code) {
	d.withDevice(id, func(st *deviceState) { st.operateFailure = &code })
}

// Disconnect drops the open handle of id and reports it to its owner.
func (d *Driver) Disconnect(id string) {
	var dev *device

	d.withDevice(id, func(st *deviceState) {
		if st.handle == nil {
			return
		}

		dev = st.handle
		dev.closed = true
		st.handle = nil
		st.intensity = 0
	})

	if dev != nil {
		d.worker.Post(func(context.Context) { dev.cb.OnDisconnected(dev) })
	}
}

// Intensity returns the intensity last applied to id.
func (d *Driver) Intensity(id string) int {
	var v int

	d.withDevice(id, func(st *deviceState) { v = st.intensity })

	return v
}

// History returns every intensity applied to id.
func (d *Driver) History(id string) []int {
	var out []int

	d.withDevice(id, func(st *deviceState) { out = append(out, st.history...) })

	return out
}

// IsOpen reports whether id currently has an open handle.
func (d *Driver) IsOpen(id string) bool {
	var open bool

	d.withDevice(id, func(st *deviceState) { open = st.handle != nil })

	return open
}

func (d *Driver) withDevice(id string, fn func(st *deviceState)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.devices[driver.ResourceID(id)]; ok {
		fn(st)
	}
}
