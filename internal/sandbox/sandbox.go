// Package sandbox implements the stateful sandbox lifecycle and
// execution engine: the Created/Started/Exited/Stopped state machine,
// the marker-based shell protocol driving session commands, standalone
// one-shot execs, and the per-sandbox trajectory log. It is the core of
// the service; everything else (registry, admission, HTTP dispatch) is
// built around it.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shellforge/sandboxd/internal/container"
	"github.com/shellforge/sandboxd/internal/shellproto"
	"github.com/shellforge/sandboxd/internal/termio"
)

// Default timeouts for the marker-read protocol (spec §4.3, §5).
const (
	OverallReadTimeout = 2 * time.Second
	IdleReadTimeout    = 200 * time.Millisecond
	LogsTail           = 200
)

// StatusKind is the tagged variant of a Sandbox's lifecycle state.
type StatusKind string

const (
	StatusCreated StatusKind = "created"
	StatusStarted StatusKind = "started"
	StatusExited  StatusKind = "exited"
	StatusStopped StatusKind = "stopped"
)

// Status carries the container id alongside the tag for the two states
// that have one.
type Status struct {
	Kind        StatusKind
	ContainerID string
}

// Permit is the admission token a Sandbox holds for its running lifetime.
// internal/registry provides the concrete implementation backed by a
// counting semaphore; Sandbox only needs to be able to give it back.
type Permit interface {
	Release()
}

// CommandExecution is one entry in a sandbox's trajectory: a session
// command, when it was submitted, and (once complete) its result.
type CommandExecution struct {
	Command   string
	Timestamp time.Time
	Result    *CommandResult
}

// CommandResult is the outcome of a session or standalone command.
type CommandResult struct {
	Output   string
	ExitCode int
	Exited   bool
}

// Sandbox is the stateful entity described in spec.md §3-§4. All methods
// assume the caller holds exclusive access (the registry's per-sandbox
// handle lock) — Sandbox performs no internal locking of its own.
type Sandbox struct {
	id           string
	image        string
	setupCommand string

	runtime    container.Runtime
	privileged bool

	status    Status
	startTime time.Time

	permit     Permit
	attachment *container.Attachment

	ps1Marker  string
	ps2Marker  string
	exitMarker string

	trajectory             []*CommandExecution
	lastStandaloneExitCode *int
}

// New constructs a Created sandbox. setupCommands are joined with " && "
// to form the single setup shell string run once at start. privileged
// controls whether the sandbox's container is started with extended host
// privileges, off by default.
func New(id, image string, setupCommands []string, runtime container.Runtime, privileged bool) *Sandbox {
	return &Sandbox{
		id:           id,
		image:        image,
		setupCommand: strings.Join(setupCommands, " && "),
		runtime:      runtime,
		privileged:   privileged,
		status:       Status{Kind: StatusCreated},
		ps1Marker:    shellproto.PS1Marker(id),
		ps2Marker:    shellproto.PS2Marker(id),
		exitMarker:   shellproto.ExitMarker(id),
	}
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() string { return s.id }

// Image returns the image reference the sandbox was created with.
func (s *Sandbox) Image() string { return s.image }

// SetupCommand returns the joined setup command string.
func (s *Sandbox) SetupCommand() string { return s.setupCommand }

// Status returns the current lifecycle state.
func (s *Sandbox) Status() Status { return s.status }

// StartTime returns the instant the attached shell finished configuration,
// or the zero Time if the sandbox has never started.
func (s *Sandbox) StartTime() time.Time { return s.startTime }

// TrajectoryLen returns the number of session commands recorded so far.
func (s *Sandbox) TrajectoryLen() int { return len(s.trajectory) }

// LastStandaloneExitCode returns the exit code of the most recent
// standalone exec, or nil if none has run yet.
func (s *Sandbox) LastStandaloneExitCode() *int { return s.lastStandaloneExitCode }

// Attachment returns the sandbox's live container attachment, if any. Used
// by the terminal WebSocket passthrough to observe the raw byte stream;
// ok is false in every state but Started/Exited.
func (s *Sandbox) Attachment() (*container.Attachment, bool) {
	if s.attachment == nil {
		return nil, false
	}
	return s.attachment, true
}

// Trajectory returns a read-only copy of the recorded session commands.
func (s *Sandbox) Trajectory() []*CommandExecution {
	out := make([]*CommandExecution, len(s.trajectory))
	copy(out, s.trajectory)
	return out
}

// Start runs the full start sequencing contract of spec.md §4.2: it takes
// ownership of permit immediately and releases it on any failure that
// occurs before the sandbox reaches Started.
func (s *Sandbox) Start(ctx context.Context, permit Permit) error {
	if s.status.Kind != StatusCreated {
		permit.Release()
		return newError(KindAlreadyStarted, "sandbox is not in the created state")
	}
	s.permit = permit

	fail := func(kind Kind, msg string) *Error {
		s.permit.Release()
		s.permit = nil
		return newError(kind, msg)
	}

	exists, err := s.runtime.InspectImage(ctx, s.image)
	if err != nil {
		return fail(KindPullImageFailed, fmt.Sprintf("inspect image: %v", err))
	}
	if !exists {
		if err := s.runtime.PullImage(ctx, s.image); err != nil {
			return fail(KindPullImageFailed, err.Error())
		}
	}

	containerID, err := s.runtime.CreateContainer(ctx, container.CreateOptions{
		Image:        s.image,
		Cmd:          shellproto.InteractiveCmd(),
		TTY:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"sandboxd.sandbox_id": s.id},
		Privileged:   s.privileged,
	})
	if err != nil {
		return fail(KindStartContainerFailed, fmt.Sprintf("create container: %v", err))
	}

	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		_ = s.runtime.RemoveContainer(ctx, containerID, true)
		return fail(KindStartContainerFailed, fmt.Sprintf("start container: %v", err))
	}

	if err := s.awaitRunning(ctx, containerID); err != nil {
		serr, _ := err.(*Error)
		_ = s.runtime.RemoveContainer(ctx, containerID, true)
		if serr != nil {
			s.permit.Release()
			s.permit = nil
			return serr
		}
		return fail(KindStartContainerFailed, err.Error())
	}

	if s.setupCommand != "" {
		output, code, err := s.runStandalone(ctx, containerID, s.setupCommand)
		if err != nil {
			_ = s.runtime.RemoveContainer(ctx, containerID, true)
			return fail(KindCreateExecFailed, err.Error())
		}
		if code != 0 {
			_ = s.runtime.RemoveContainer(ctx, containerID, true)
			return fail(KindSetupCommandsFailed, output)
		}
	}

	attachment, err := s.runtime.AttachContainer(ctx, containerID)
	if err != nil {
		_ = s.runtime.RemoveContainer(ctx, containerID, true)
		return fail(KindContainerReadFailed, fmt.Sprintf("attach container: %v", err))
	}

	if _, err := attachment.Stdin.Write([]byte(shellproto.ConfigureCmd(s.id))); err != nil {
		_ = attachment.Close()
		_ = s.runtime.RemoveContainer(ctx, containerID, true)
		return fail(KindContainerWriteFailed, fmt.Sprintf("write shell configuration: %v", err))
	}

	// Drain the configuration line's own prompt redraw so the first real
	// exec_session call starts from a clean buffer.
	termio.ReadUntilIdle(attachment.Output, s.ps1Marker, s.ps2Marker, s.exitMarker, 1, IdleReadTimeout, OverallReadTimeout)

	s.attachment = attachment
	s.startTime = time.Now()
	s.status = Status{Kind: StatusStarted, ContainerID: containerID}
	return nil
}

// awaitRunning polls InspectContainer at container.DefaultStartPollInterval
// until the container reports running or DefaultStartPollBudget elapses, in
// which case it collects logs and returns a StartContainerFailed Error.
func (s *Sandbox) awaitRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(container.DefaultStartPollBudget)
	for {
		state, err := s.runtime.InspectContainer(ctx, containerID)
		if err == nil && state.Running {
			return nil
		}
		if time.Now().After(deadline) {
			logs, _ := s.runtime.Logs(ctx, containerID, LogsTail)
			exitCode := state.ExitCode
			return &Error{
				Kind:     KindStartContainerFailed,
				Message:  fmt.Sprintf("container did not reach running state: %s", state.Status),
				ExitCode: &exitCode,
				Logs:     logs,
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(container.DefaultStartPollInterval):
		}
	}
}

// ExecSession runs cmd against the sandbox's persistent interactive shell,
// appending a trajectory entry and transitioning to Exited if the
// exit-sentinel marker is observed.
func (s *Sandbox) ExecSession(ctx context.Context, cmd string) (*CommandResult, error) {
	if s.status.Kind != StatusStarted {
		if s.status.Kind == StatusExited {
			return nil, newError(KindAlreadyExited, "session shell has already exited")
		}
		return nil, newError(KindNotStarted, "sandbox is not started")
	}

	entry := &CommandExecution{Command: cmd, Timestamp: time.Now()}
	s.trajectory = append(s.trajectory, entry)

	if _, err := s.attachment.Stdin.Write([]byte(cmd + "\n")); err != nil {
		return nil, newError(KindContainerWriteFailed, err.Error())
	}

	hint := strings.Count(cmd, "\n")
	res := termio.ReadUntilIdle(s.attachment.Output, s.ps1Marker, s.ps2Marker, s.exitMarker, hint, IdleReadTimeout, OverallReadTimeout)

	if res.TimedOut {
		for _, nudge := range [][]byte{[]byte("\n"), {0x04}} {
			if _, err := s.attachment.Stdin.Write(nudge); err != nil {
				return nil, newError(KindContainerWriteFailed, err.Error())
			}
			res = termio.ReadUntilIdle(s.attachment.Output, s.ps1Marker, s.ps2Marker, s.exitMarker, 1, IdleReadTimeout, OverallReadTimeout)
			if !res.TimedOut {
				break
			}
		}
		if res.TimedOut {
			return nil, newError(KindTimeout, "timed out waiting for shell prompt marker")
		}
	}

	result := &CommandResult{Output: res.Output, ExitCode: res.LastExitCode, Exited: res.ExitMarkerHit}
	entry.Result = result

	if res.ExitMarkerHit {
		s.status = Status{Kind: StatusExited, ContainerID: s.status.ContainerID}
	}

	return result, nil
}

// ExecStandalone runs cmd in a fresh one-shot exec inside the running
// container, sharing no shell state with the session. Valid from Started
// or Exited.
func (s *Sandbox) ExecStandalone(ctx context.Context, cmd string) (*CommandResult, error) {
	if s.status.Kind != StatusStarted && s.status.Kind != StatusExited {
		return nil, newError(KindNotStarted, "sandbox is not started")
	}

	output, code, err := s.runStandalone(ctx, s.status.ContainerID, cmd)
	if err != nil {
		return nil, newError(KindExecFailed, err.Error())
	}

	s.lastStandaloneExitCode = &code
	return &CommandResult{Output: output, ExitCode: code, Exited: false}, nil
}

// runStandalone is the shared primitive behind ExecStandalone and the
// start-time setup-command exec: it never touches sandbox status, so the
// start sequence can use it before the sandbox is officially Started.
func (s *Sandbox) runStandalone(ctx context.Context, containerID, cmd string) (string, int, error) {
	execID, err := s.runtime.CreateExec(ctx, containerID, container.ExecOptions{
		Cmd:          shellproto.StandaloneCmd(cmd),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create exec: %w", err)
	}

	ch, err := s.runtime.StartExec(ctx, execID)
	if err != nil {
		return "", 0, fmt.Errorf("start exec: %w", err)
	}

	var buf bytes.Buffer
	for chunk := range ch {
		buf.Write(chunk)
	}

	inspect, err := s.runtime.InspectExec(ctx, execID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.Running {
		panic("sandbox: exec inspect reported no exit code after its output stream closed")
	}

	return termio.CleanTerminalOutput(buf.String()), inspect.ExitCode, nil
}

// Stop force-removes the sandbox's container and releases its admission
// permit. It is rejected from Created and Stopped.
func (s *Sandbox) Stop(ctx context.Context) error {
	switch s.status.Kind {
	case StatusCreated:
		return newError(KindNotStarted, "sandbox was never started")
	case StatusStopped:
		return newError(KindNotStarted, "sandbox is already stopped")
	}

	containerID := s.status.ContainerID

	if s.attachment != nil {
		_ = s.attachment.Close()
		s.attachment = nil
	}

	if err := s.runtime.RemoveContainer(ctx, containerID, true); err != nil {
		// Best-effort: removal failures are logged by the caller and
		// swallowed, per spec.md §4.6.
		s.status = Status{Kind: StatusStopped}
		if s.permit != nil {
			s.permit.Release()
			s.permit = nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	s.status = Status{Kind: StatusStopped}
	if s.permit != nil {
		s.permit.Release()
		s.permit = nil
	}
	return nil
}
