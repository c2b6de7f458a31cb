// Package version exposes build metadata for torchd and torchctl.
//
// Version, Commit and BuildTime are injected with -ldflags at build time.
package version
