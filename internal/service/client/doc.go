// Package client implements the torchctl verbs.
//
// Every verb dials torchd, performs a single request and prints one line per
// result. Watch keeps the stream open and prints events until interrupted.
package client
