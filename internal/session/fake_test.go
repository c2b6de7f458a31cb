package session

import (
	"context"
	"fmt"

	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/driver"
)

type fakeDevice struct {
	id driver.ResourceID
}

func (d *fakeDevice) ID() driver.ResourceID { return d.id }

type fakeCapture struct {
	dev driver.Device
}

func (c *fakeCapture) Device() driver.Device { return c.dev }

// fakeDriver records every call. With auto set, Open and ConfigureSession
// complete immediately through the callbacks; otherwise the test drives them.
type fakeDriver struct {
	resources []driver.ResourceID
	maxByID   map[driver.ResourceID]int
	listErr   error
	openErr   error
	configErr error
	operErr   error
	auto      bool

	calls      []string
	deviceCB   driver.DeviceCallbacks
	sessionCB  driver.SessionCallbacks
	lastDevice *fakeDevice
	closed     []driver.Device
	operated   []int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		resources: []driver.ResourceID{"cam0", "cam1"},
		maxByID:   map[driver.ResourceID]int{"cam1": 5},
		auto:      true,
	}
}

func (f *fakeDriver) ListCapableResources(context.Context) ([]driver.ResourceID, error) {
	f.calls = append(f.calls, "list")

	return f.resources, f.listErr
}

func (f *fakeDriver) QueryMaxIntensity(_ context.Context, id driver.ResourceID) (int, bool) {
	f.calls = append(f.calls, "query:"+string(id))
	v, ok := f.maxByID[id]

	return v, ok
}

func (f *fakeDriver) Open(id driver.ResourceID, cb driver.DeviceCallbacks) error {
	f.calls = append(f.calls, "open:"+string(id))

	if f.openErr != nil {
		return f.openErr
	}

	f.deviceCB = cb
	f.lastDevice = &fakeDevice{id: id}

	if f.auto {
		cb.OnOpened(f.lastDevice)
	}

	return nil
}

func (f *fakeDriver) ConfigureSession(dev driver.Device, target driver.Target, cb driver.SessionCallbacks) error {
	f.calls = append(f.calls, "configure:"+string(target))

	if f.configErr != nil {
		return f.configErr
	}

	f.sessionCB = cb

	if f.auto {
		cb.OnConfigured(&fakeCapture{dev: dev})
	}

	return nil
}

func (f *fakeDriver) Operate(_ driver.CaptureSession, intensity int) error {
	f.calls = append(f.calls, fmt.Sprintf("operate:%d", intensity))

	if f.operErr != nil {
		return f.operErr
	}

	f.operated = append(f.operated, intensity)

	return nil
}

func (f *fakeDriver) Close(dev driver.Device) {
	f.calls = append(f.calls, "close:"+string(dev.ID()))
	f.closed = append(f.closed, dev)
}

type stateEvent struct {
	current, max int
}

type recordingListener struct {
	states []stateEvent
	errors []torch.ErrorKind
}

func (l *recordingListener) OnStateChanged(_ context.Context, current, maxIntensity int) {
	l.states = append(l.states, stateEvent{current: current, max: maxIntensity})
}

func (l *recordingListener) OnError(_ context.Context, kind torch.ErrorKind) {
	l.errors = append(l.errors, kind)
}

func (l *recordingListener) lastState() stateEvent {
	if len(l.states) == 0 {
		return stateEvent{current: -100, max: -100}
	}

	return l.states[len(l.states)-1]
}

type neededEvent struct {
	resource, foreground bool
}

type recordingOwner struct {
	name   string
	events []neededEvent
}

func (o *recordingOwner) OnOwnerNeededChanged(_ context.Context, needResource, needForeground bool) {
	o.events = append(o.events, neededEvent{resource: needResource, foreground: needForeground})
}

func (o *recordingOwner) String() string { return o.name }
