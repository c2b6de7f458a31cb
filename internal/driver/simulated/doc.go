// Package simulated is an in-memory torch backend with failure injection.
// It backs the --simulate flag and the integration tests.
package simulated
