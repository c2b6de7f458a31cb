// Package prefs persists user preferences: the preferred torch intensity and
// the keep-alive flag.
//
// FileRepository stores them as protobuf JSON on disk; Store caches them in
// memory for the daemon and reloads them when the file is edited externally.
package prefs
