// Package driver defines the boundary between the torch session and the
// hardware backends.
//
// Open, ConfigureSession, Operate and Close are fire-and-forget from the
// caller's point of view: completions arrive later through DeviceCallbacks
// and SessionCallbacks on a goroutine owned by the backend. Implementations
// live in the sysfs and simulated subpackages.
package driver
