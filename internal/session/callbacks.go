package session

import (
	"context"

	"github.com/oshokin/torchd/internal/driver"
)

// callbacks re-posts driver completions for one open attempt onto the
// session loop. Its methods run on driver goroutines and must only touch
// immutable fields.
type callbacks struct {
	session *Session
	attempt uint64
}

// OnOpened implements driver.DeviceCallbacks.
func (c *callbacks) OnOpened(dev driver.Device) {
	c.session.poster.Post(func(ctx context.Context) {
		c.session.onOpened(ctx, c.attempt, dev)
	})
}

// OnDisconnected implements driver.DeviceCallbacks.
func (c *callbacks) OnDisconnected(driver.Device) {
	c.session.poster.Post(func(ctx context.Context) {
		c.session.onDisconnected(ctx, c.attempt)
	})
}

// OnError implements driver.DeviceCallbacks.
func (c *callbacks) OnError(_ driver.Device, code driver.Code) {
	c.session.poster.Post(func(ctx context.Context) {
		c.session.onDeviceError(ctx, c.attempt, code)
	})
}

// OnConfigured implements driver.SessionCallbacks.
func (c *callbacks) OnConfigured(cs driver.CaptureSession) {
	c.session.poster.Post(func(ctx context.Context) {
		c.session.onConfigured(ctx, c.attempt, cs)
	})
}

// OnConfigureFailed implements driver.SessionCallbacks.
func (c *callbacks) OnConfigureFailed(driver.CaptureSession) {
	c.session.poster.Post(func(ctx context.Context) {
		c.session.onConfigureFailed(ctx, c.attempt)
	})
}
