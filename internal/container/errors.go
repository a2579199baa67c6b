package container

import "errors"

// Sentinel errors returned by Runtime implementations. Sandbox code maps
// these onto the richer sandbox.Error kinds rather than propagating them
// directly.
var (
	// ErrNotFound indicates the container or exec does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrImageNotFound indicates InspectImage found no local image and no
	// pull was requested.
	ErrImageNotFound = errors.New("image not found locally")

	// ErrNotRunning indicates an operation required a running container
	// but it was not running.
	ErrNotRunning = errors.New("container not running")

	// ErrStartTimeout indicates the container did not reach the running
	// state within the start poll budget.
	ErrStartTimeout = errors.New("container did not reach running state in time")

	// ErrExecExitCodeMissing indicates InspectExec was called before the
	// exec's process had actually exited; callers treat this as a bug.
	ErrExecExitCodeMissing = errors.New("exec inspect returned no exit code")
)
