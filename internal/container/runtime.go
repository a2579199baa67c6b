// Package container abstracts the "container host" the sandbox engine
// runs against. The operation set mirrors exactly what a sandbox needs:
// image presence/pull, container create/start/inspect/remove, a raw
// attach stream for the interactive shell, and one-shot exec for
// standalone commands and setup. It deliberately does not expose
// anything about networking, volumes-as-orchestration, or scheduling —
// this is not a general container-management API.
package container

import (
	"context"
	"io"
	"time"
)

// Runtime is the abstract container host a Sandbox is built against.
// The Docker backend in internal/container/docker implements it against
// a real daemon; internal/container/mock implements it in memory for
// tests.
type Runtime interface {
	// InspectImage reports whether ref is already present locally.
	InspectImage(ctx context.Context, ref string) (bool, error)

	// PullImage pulls ref, draining the registry's progress stream. It
	// returns only once the pull has fully completed or failed.
	PullImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container and
	// returns its host-assigned id.
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, id string) error

	// InspectContainer reports the container's current runtime state.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// Logs returns the container's recent combined stdout/stderr output,
	// at most tail lines, for diagnostics after a failed start.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// AttachContainer opens a long-lived duplex connection to the
	// container's stdio and returns a write sink for stdin plus a
	// channel of output chunks. The channel is closed when the
	// attachment ends (container exit or explicit Close).
	AttachContainer(ctx context.Context, id string) (*Attachment, error)

	// CreateExec creates a one-shot exec inside a running container and
	// returns its id.
	CreateExec(ctx context.Context, containerID string, opts ExecOptions) (string, error)

	// StartExec starts a previously created exec and streams its
	// combined stdout/stderr until the process exits.
	StartExec(ctx context.Context, execID string) (<-chan []byte, error)

	// InspectExec returns the exit code of a completed exec. Callers
	// must only call this after the exec's output stream has closed.
	InspectExec(ctx context.Context, execID string) (ExecInspect, error)

	// RemoveContainer force-removes a container and its resources.
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// ContainerState is the result of InspectContainer.
type ContainerState struct {
	Running  bool
	ExitCode int
	Error    string
	Status   string
}

// CreateOptions configures container creation for an interactive
// sandbox shell.
type CreateOptions struct {
	Image        string
	Cmd          []string
	TTY          bool
	OpenStdin    bool
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
	Env          []string
	Labels       map[string]string

	// Ports lists container TCP ports to expose to the host on a
	// Docker-assigned random port, for sandboxes whose setup command
	// starts a service a caller wants to reach from outside the
	// container (e.g. a dev server under test).
	Ports []int

	// Privileged runs the container with extended host privileges, for
	// setup commands that themselves need to manage containers or
	// devices. Off by default; operators opt in per deployment.
	Privileged bool
}

// ExecOptions configures a one-shot exec.
type ExecOptions struct {
	Cmd          []string
	TTY          bool
	AttachStdout bool
	AttachStderr bool
	AttachStdin  bool
}

// ExecInspect is the result of InspectExec.
type ExecInspect struct {
	Running  bool
	ExitCode int
}

// Attachment is a duplex connection to a running container's stdio.
type Attachment struct {
	// Stdin is the write sink for the attached shell's stdin.
	Stdin io.Writer

	// Output delivers raw bytes read from the attached stdout/stderr,
	// ANSI and all, as they arrive. It is closed when the underlying
	// connection ends. This channel has exactly one consumer: the
	// owning Sandbox's exclusive-access methods.
	Output <-chan []byte

	// Hub mirrors every chunk delivered on Output to any number of
	// additional observers (e.g. a terminal WebSocket passthrough)
	// without being in the critical path of Output's sole consumer.
	// Backends that don't wire one leave it nil.
	Hub *OutputHub

	// Close tears down the attachment without touching the container
	// itself.
	Close func() error
}

// DefaultStartPollInterval and DefaultStartPollBudget bound how long a
// caller should retry InspectContainer while waiting for a freshly
// started container to reach the running state before giving up and
// reporting a start failure.
const (
	DefaultStartPollInterval = 100 * time.Millisecond
	DefaultStartPollBudget   = 3 * time.Second
)
