package coordinator

import "errors"

var (
	// ErrNotFound is returned when a server, agent, group or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAgentRegistration is returned when an agent may not register or connect.
	ErrAgentRegistration = errors.New("agent registration failed")

	// ErrAffinityGroup is returned for blank or duplicate group names.
	ErrAffinityGroup = errors.New("invalid affinity group")

	// ErrDuplicateServer is returned when a server name is already in use.
	ErrDuplicateServer = errors.New("server already exists")

	// ErrInvalidModeTransition is returned when a server cannot enter the requested mode.
	ErrInvalidModeTransition = errors.New("invalid operation mode transition")

	// ErrServerInUse is returned when deleting a server that is still in NORMAL mode.
	ErrServerInUse = errors.New("server is in use")

	// ErrInvalidEvent is returned when a partition event has the wrong type or status.
	ErrInvalidEvent = errors.New("invalid partition event")
)
