package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/shellforge/sandboxd/internal/container/mock"
)

type noopPermit struct{ released bool }

func (p *noopPermit) Release() { p.released = true }

func newStarted(t *testing.T, setup []string, responder mock.AttachResponder) (*Sandbox, *mock.Provider, *noopPermit) {
	t.Helper()
	rt := mock.New()
	rt.AttachResponder = responder
	sb := New("sbx-1", "ubuntu:latest", setup, rt, false)
	permit := &noopPermit{}
	if err := sb.Start(context.Background(), permit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sb.Status().Kind != StatusStarted {
		t.Fatalf("expected Started, got %v", sb.Status().Kind)
	}
	return sb, rt, permit
}

func TestStartTransitionsToStarted(t *testing.T) {
	sb, _, permit := newStarted(t, nil, nil)
	if permit.released {
		t.Errorf("permit should still be held while Started")
	}
	if sb.StartTime().IsZero() {
		t.Errorf("expected StartTime to be set")
	}
}

func TestStartReleasesPermitOnSetupFailure(t *testing.T) {
	rt := mock.New()
	rt.ExecResponder = func(cmd []string) (string, int) {
		return "setup failed", 1
	}
	sb := New("sbx-1", "ubuntu:latest", []string{"false"}, rt, false)
	permit := &noopPermit{}

	err := sb.Start(context.Background(), permit)
	if err == nil {
		t.Fatalf("expected error")
	}
	sbErr, ok := err.(*Error)
	if !ok || sbErr.Kind != KindSetupCommandsFailed {
		t.Fatalf("expected SetupCommandsFailed, got %v", err)
	}
	if !permit.released {
		t.Errorf("permit should be released on setup failure")
	}
	if sb.Status().Kind != StatusCreated {
		t.Errorf("sandbox should remain Created, got %v", sb.Status().Kind)
	}
}

func TestExecSessionAppendsTrajectoryAndParsesExitCode(t *testing.T) {
	sb, _, _ := newStarted(t, nil, func(line string) (string, int, bool) {
		if strings.Contains(line, "PS1=") {
			return "", 0, false // the configuration line itself
		}
		if line == "false" {
			return "", 1, false
		}
		return "ok", 0, false
	})

	res, err := sb.ExecSession(context.Background(), "false")
	if err != nil {
		t.Fatalf("ExecSession: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("got exit code %d, want 1", res.ExitCode)
	}
	if sb.TrajectoryLen() != 1 {
		t.Errorf("got trajectory length %d, want 1", sb.TrajectoryLen())
	}
	entry := sb.Trajectory()[0]
	if entry.Command != "false" || entry.Result != res {
		t.Errorf("trajectory entry not recorded correctly")
	}
}

func TestExecSessionTransitionsToExitedOnExitMarker(t *testing.T) {
	sb, _, _ := newStarted(t, nil, func(line string) (string, int, bool) {
		if strings.HasPrefix(line, "echo hi") {
			return "hi", 7, true
		}
		return "", 0, false
	})

	res, err := sb.ExecSession(context.Background(), "echo hi; exit 7")
	if err != nil {
		t.Fatalf("ExecSession: %v", err)
	}
	if !res.Exited {
		t.Errorf("expected Exited=true")
	}
	if res.ExitCode != 7 {
		t.Errorf("got exit code %d, want 7 (from the prompt redrawn after exit's sentinel)", res.ExitCode)
	}
	if sb.Status().Kind != StatusExited {
		t.Errorf("expected sandbox status Exited, got %v", sb.Status().Kind)
	}

	// Standalone exec still works after the session shell reports exited.
	standaloneRes, err := sb.ExecStandalone(context.Background(), "echo still running")
	if err != nil {
		t.Fatalf("ExecStandalone after exit: %v", err)
	}
	if standaloneRes.Exited {
		t.Errorf("standalone result should never report exited")
	}
}

func TestExecSessionRejectedBeforeStart(t *testing.T) {
	sb := New("sbx-1", "ubuntu:latest", nil, mock.New(), false)
	_, err := sb.ExecSession(context.Background(), "echo hi")
	sbErr, ok := err.(*Error)
	if !ok || sbErr.Kind != KindNotStarted {
		t.Fatalf("expected NotStarted, got %v", err)
	}
}

func TestExecSessionRejectedAfterExited(t *testing.T) {
	sb, _, _ := newStarted(t, nil, func(line string) (string, int, bool) {
		return "", 0, true
	})
	if _, err := sb.ExecSession(context.Background(), "exit 0"); err != nil {
		t.Fatalf("first exec: %v", err)
	}
	_, err := sb.ExecSession(context.Background(), "echo more")
	sbErr, ok := err.(*Error)
	if !ok || sbErr.Kind != KindAlreadyExited {
		t.Fatalf("expected AlreadyExited, got %v", err)
	}
}

func TestExecStandaloneDoesNotAppendTrajectory(t *testing.T) {
	sb, rt, _ := newStarted(t, nil, nil)
	rt.ExecResponder = func(cmd []string) (string, int) { return "/\n", 0 }

	res, err := sb.ExecStandalone(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("ExecStandalone: %v", err)
	}
	if res.Output != "/" {
		t.Errorf("got output %q, want %q", res.Output, "/")
	}
	if sb.TrajectoryLen() != 0 {
		t.Errorf("standalone exec must not append to trajectory")
	}
	if got := sb.LastStandaloneExitCode(); got == nil || *got != 0 {
		t.Errorf("expected LastStandaloneExitCode 0, got %v", got)
	}
}

func TestStopReleasesPermitAndRejectsDoubleStop(t *testing.T) {
	sb, _, permit := newStarted(t, nil, nil)

	if err := sb.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !permit.released {
		t.Errorf("expected permit released after Stop")
	}
	if sb.Status().Kind != StatusStopped {
		t.Errorf("expected Stopped, got %v", sb.Status().Kind)
	}

	err := sb.Stop(context.Background())
	sbErr, ok := err.(*Error)
	if !ok || sbErr.Kind != KindNotStarted {
		t.Fatalf("expected NotStarted on double stop, got %v", err)
	}
}

func TestStopFromCreatedRejected(t *testing.T) {
	sb := New("sbx-1", "ubuntu:latest", nil, mock.New(), false)
	err := sb.Stop(context.Background())
	sbErr, ok := err.(*Error)
	if !ok || sbErr.Kind != KindNotStarted {
		t.Fatalf("expected NotStarted, got %v", err)
	}
}

func TestSetupCommandsJoinedWithAnd(t *testing.T) {
	sb := New("sbx-1", "ubuntu:latest", []string{"cd /tmp", "echo hi > f"}, mock.New(), false)
	if sb.SetupCommand() != "cd /tmp && echo hi > f" {
		t.Errorf("got %q", sb.SetupCommand())
	}
}
