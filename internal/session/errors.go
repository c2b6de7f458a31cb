package session

import (
	"errors"

	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/driver"
)

// ErrPrimaryStillNeeded is the panic value used when a caller unregisters the
// primary owner while the torch is lit or additional owners remain.
var ErrPrimaryStillNeeded = errors.New("primary owner is still needed")

// KindFromCode maps a driver failure code to the error kind reported to listeners.
func KindFromCode(code driver.Code) torch.ErrorKind {
	switch code {
	case driver.CodeDisabled:
		return torch.ErrorBlockedByPolicy
	case driver.CodeDisconnected:
		return torch.ErrorDisconnected
	case driver.CodeDevice:
		return torch.ErrorDevice
	case driver.CodeService:
		return torch.ErrorService
	case driver.CodeInUse:
		return torch.ErrorInUse
	case driver.CodeMaxInUse:
		return torch.ErrorMaximumInUse
	case driver.CodePermissionDenied:
		return torch.ErrorNoPermission
	default:
		return torch.ErrorUnknown
	}
}

// KindFromError maps any error returned by a driver to an error kind.
func KindFromError(err error) torch.ErrorKind {
	return KindFromCode(driver.CodeOf(err))
}
