// Package common holds helpers shared by torchctl and the integration tests.
//
// It wraps the TorchService client with call timeouts and names the caller
// ("user@host") in request metadata.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
