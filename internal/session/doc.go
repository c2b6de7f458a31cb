// Package session implements the torch session lifecycle manager.
//
// Session is the state machine that owns the device handles and the
// current/desired/maximum intensity, and sequences the asynchronous
// open → configure → operate → close protocol of a driver.Driver. Arbiter
// decides which owner has to keep the host resident, and Listeners fans out
// state and error events.
//
// Nothing in this package is safe for concurrent use. Every exported method
// and every driver completion runs on the dispatch.Loop the session was
// built with; thread safety comes from that confinement alone.
package session
