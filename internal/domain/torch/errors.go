package torch

// ErrorKind classifies a failure reported to listeners. Every kind is
// terminal for the current attempt and is never retried automatically.
type ErrorKind int

const (
	// ErrorUnknown is used for driver errors that map to no other kind.
	ErrorUnknown ErrorKind = iota
	// ErrorNoPermission means the process may not open the device.
	ErrorNoPermission
	// ErrorBlockedByPolicy means the device is disabled by system policy.
	ErrorBlockedByPolicy
	// ErrorDisconnected means the device went away while in use.
	ErrorDisconnected
	// ErrorDevice means the device itself reported a fatal failure.
	ErrorDevice
	// ErrorService means the driver service failed.
	ErrorService
	// ErrorSession means the capture session could not be configured.
	ErrorSession
	// ErrorInUse means another process holds the device.
	ErrorInUse
	// ErrorMaximumInUse means a system-wide limit of open devices was reached.
	ErrorMaximumInUse
	// ErrorNoValidResource means discovery found no device with intensity control.
	ErrorNoValidResource
)

//nolint:gochecknoglobals // Lookup table for String and ParseErrorKind.
var errorKindNames = map[ErrorKind]string{
	ErrorUnknown:         "unknown",
	ErrorNoPermission:    "no_permission",
	ErrorBlockedByPolicy: "blocked_by_policy",
	ErrorDisconnected:    "disconnected",
	ErrorDevice:          "device_error",
	ErrorService:         "service_error",
	ErrorSession:         "session_error",
	ErrorInUse:           "in_use",
	ErrorMaximumInUse:    "maximum_in_use",
	ErrorNoValidResource: "no_valid_resource",
}

// String returns the snake_case name used in logs, MQTT payloads and the journal.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}

	return errorKindNames[ErrorUnknown]
}

// ParseErrorKind converts a name produced by String back to an ErrorKind.
func ParseErrorKind(s string) ErrorKind {
	for kind, name := range errorKindNames {
		if name == s {
			return kind
		}
	}

	return ErrorUnknown
}

// Recoverable reports whether the failure happens before hardware is engaged
// and is expected to be resolved by the caller followed by a refresh.
func (k ErrorKind) Recoverable() bool {
	return k == ErrorNoPermission || k == ErrorNoValidResource
}
