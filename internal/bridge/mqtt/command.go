package mqtt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is what a command asks the torch to do.
type Action int

const (
	// ActionSet sets Intensity; a negative value means the preferred intensity.
	ActionSet Action = iota
	// ActionToggle flips the torch.
	ActionToggle
	// ActionRefresh re-publishes the current state.
	ActionRefresh
)

// Command is a parsed <prefix>/set payload.
type Command struct {
	Action    Action
	Intensity int
}

// ErrBadCommand is returned for payloads ParseCommand does not understand.
var ErrBadCommand = errors.New("unsupported command")

// ParseCommand parses a command payload. Keywords are case-insensitive.
func ParseCommand(payload []byte) (Command, error) {
	text := strings.ToLower(strings.TrimSpace(string(payload)))

	switch text {
	case "on":
		return Command{Action: ActionSet, Intensity: -1}, nil
	case "off":
		return Command{Action: ActionSet}, nil
	case "toggle":
		return Command{Action: ActionToggle}, nil
	case "refresh":
		return Command{Action: ActionRefresh}, nil
	}

	v, err := strconv.Atoi(text)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, text)
	}

	return Command{Action: ActionSet, Intensity: v}, nil
}
