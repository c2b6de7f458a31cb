package torch

// State is the lifecycle state of the torch session.
type State int

const (
	// StateIdle means no device handle is held and the torch is off.
	StateIdle State = iota
	// StateActivating means the device is being opened or its session configured.
	StateActivating
	// StateActive means the device is open and at least one operate request was issued.
	StateActive
)

// String returns the lowercase name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String. Unknown names map to StateIdle.
func ParseState(s string) State {
	switch s {
	case "activating":
		return StateActivating
	case "active":
		return StateActive
	default:
		return StateIdle
	}
}

// UnknownIntensity is the maximum intensity reported before discovery succeeds.
const UnknownIntensity = -1

// Snapshot is a point-in-time copy of the observable session state.
type Snapshot struct {
	// ResourceID is the discovered device, empty until discovery succeeds.
	ResourceID string
	// State is the session lifecycle state.
	State State
	// Current is the intensity last applied to the device; 0 means off.
	Current int
	// Desired is the latest clamped intensity requested by a client.
	Desired int
	// Max is the discovered maximum intensity or UnknownIntensity.
	Max int
	// OwnerNeeded reports whether the primary owner has to stay resident.
	OwnerNeeded bool
	// Primary names the primary owner, empty when the slot is vacant.
	Primary string
	// AdditionalOwners is the number of dependent owners.
	AdditionalOwners int
	// KeepAlive mirrors the keep-alive preference at snapshot time.
	KeepAlive bool
}

// IsOn reports whether the torch is lit.
func (s Snapshot) IsOn() bool {
	return s.Current > 0
}

// Discovered reports whether a capable resource has been found.
func (s Snapshot) Discovered() bool {
	return s.ResourceID != ""
}
