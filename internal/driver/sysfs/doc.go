// Package sysfs drives torches exposed through the Linux LED class
// (/sys/class/leds/<name>/brightness).
//
// Every file operation after the initial permission check runs on the
// driver's worker loop, so callbacks are delivered from a single goroutine
// in submission order. A PID lock file per device keeps two daemons from
// fighting over the same LED.
package sysfs
