// Package torch implements the gRPC transport for torchd.
//
// The service is declared by hand on top of the protobuf well-known types,
// so no generated code is needed: requests are wrapper values and responses
// are google.protobuf.Struct documents built by the converters in this
// package. Both the server and the client side live here.
package torch
