package bridge

import "errors"

// Domain errors for the bridge orchestrator.
var (
	// ErrDialerRequired is returned by New when a side has no dial function.
	ErrDialerRequired = errors.New("bridge: dialer is required")

	// ErrSourceUnavailable is logged when a command arrives while the
	// gateway connection is down.
	ErrSourceUnavailable = errors.New("bridge: device source not connected")

	// ErrSinkUnavailable is logged when a publish is dropped because the
	// broker connection is down.
	ErrSinkUnavailable = errors.New("bridge: command sink not connected")
)
