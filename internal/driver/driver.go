package driver

import "context"

// ResourceID identifies a physical torch device. Empty means "none".
type ResourceID string

// Target names the output a capture session is configured for.
type Target string

// TorchTarget is the only target torchd configures: light output with no image sink.
const TorchTarget Target = "torch"

// Device is an open device handle.
type Device interface {
	ID() ResourceID
}

// CaptureSession is a configured session on an open device. Closing the
// device is always enough to release it.
type CaptureSession interface {
	Device() Device
}

// DeviceCallbacks receives asynchronous device lifecycle events.
// Calls arrive on the backend's goroutine.
type DeviceCallbacks interface {
	OnOpened(dev Device)
	OnDisconnected(dev Device)
	OnError(dev Device, code Code)
}

// SessionCallbacks receives the outcome of ConfigureSession.
// Calls arrive on the backend's goroutine.
type SessionCallbacks interface {
	OnConfigured(cs CaptureSession)
	OnConfigureFailed(cs CaptureSession)
}

// Driver is the hardware backend consumed by the session.
type Driver interface {
	// ListCapableResources returns devices that expose intensity control, in
	// preference order.
	ListCapableResources(ctx context.Context) ([]ResourceID, error)
	// QueryMaxIntensity returns the maximum intensity of a device, or false
	// when the device does not report one.
	QueryMaxIntensity(ctx context.Context, id ResourceID) (int, bool)
	// Open starts opening a device. A nil error means a callback will follow.
	// A newer open of a device this driver already holds evicts the older
	// handle, which then receives OnDisconnected.
	Open(id ResourceID, cb DeviceCallbacks) error
	// ConfigureSession starts configuring a session on an open device.
	ConfigureSession(dev Device, target Target, cb SessionCallbacks) error
	// Operate submits an intensity change. It does not wait for the hardware.
	Operate(cs CaptureSession, intensity int) error
	// Close releases a device. No completion is reported.
	Close(dev Device)
}
