// Package journal records torch events in a SQLite database.
//
// A Journal is attached to the session as a listener (and to the primary
// host as an owner sink). Events are queued without blocking the session
// loop and written by Run on its own goroutine.
package journal
