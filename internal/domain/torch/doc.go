// Package torch contains the core domain types shared by the session, its
// drivers and the transports.
//
// It defines the session State machine states, the ErrorKind taxonomy
// reported to listeners and the Snapshot value handed out to clients.
package torch
