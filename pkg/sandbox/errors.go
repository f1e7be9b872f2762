package sandbox

import "errors"

var (
	// ErrHandleReleased is returned when a released handle is used
	ErrHandleReleased = errors.New("sandbox handle has been released")

	// ErrNoBackend is returned when a capability has no host backend wired
	ErrNoBackend = errors.New("no host backend for capability")
)
