package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// overrideCore replaces the minimum level of the wrapped core. torchd uses it
// to keep chatty background writers, such as the journal, at warn level
// while the rest of the daemon logs at the configured level.
type overrideCore struct {
	zapcore.Core

	minLevel zapcore.Level
}

// Enabled ignores the wrapped core's level.
func (c *overrideCore) Enabled(l zapcore.Level) bool {
	return l >= c.minLevel
}

// Check registers the core on ce when the entry passes the override level.
//
//nolint:gocritic // AddCore requires ent to be passed by value.
func (c *overrideCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}

	return ce.AddCore(ent, c)
}

// With keeps the override on derived loggers.
//
//nolint:ireturn // zap.WrapCore works with zapcore.Core.
func (c *overrideCore) With(fields []zapcore.Field) zapcore.Core {
	return &overrideCore{Core: c.Core.With(fields), minLevel: c.minLevel}
}

// WithLevel returns a zap option that logs entries at lvl and above,
// regardless of the level the logger was built with.
//
//nolint:ireturn // zap.Option is an interface.
func WithLevel(lvl zapcore.Level) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &overrideCore{Core: core, minLevel: lvl}
	})
}
