// Package host adapts a deployment context (an RPC caller, a watch stream,
// the MQTT bridge) to the session's owner and listener contracts.
//
// A Host is created per context, registers itself with the session on Start
// and stops itself once neither its context nor the session needs it. The
// first host to start becomes the primary owner and lingers while the torch
// is lit or other hosts depend on it.
//
// All Host methods must run on the session loop.
package host
