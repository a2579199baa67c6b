// Package mock provides a deterministic in-memory implementation of
// container.Runtime for testing the sandbox engine without a Docker
// daemon. It parses the marker protocol out of the configuration line
// the sandbox writes on attach (the same way a real shell would act on
// it) so that sandbox-level tests exercise the real marker-stripping
// and idle-read code paths end to end.
package mock

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/shellforge/sandboxd/internal/container"
)

// AttachResponder lets a test script the interactive shell's reaction to
// each line written to stdin. line is the raw line (without trailing
// newline). Returning exited=true causes the exit-sentinel marker to be
// emitted ahead of the next prompt.
type AttachResponder func(line string) (output string, exitCode int, exited bool)

// ExecResponder scripts the result of a standalone exec for a given argv.
type ExecResponder func(cmd []string) (output string, exitCode int)

// Provider is a mock container runtime for testing. Every operation has a
// sensible default. The image, container, logs and attach operations also
// have an overridable Func field, mirroring the override pattern used
// across this codebase's other fakes; the exec operations (CreateExec,
// StartExec, InspectExec) have none and are scripted through ExecResponder.
type Provider struct {
	mu           sync.Mutex
	containers   map[string]*fakeContainer
	pendingExecs map[string]*pendingExec
	nextID       int

	InspectImageFunc     func(ctx context.Context, ref string) (bool, error)
	PullImageFunc        func(ctx context.Context, ref string) error
	CreateContainerFunc  func(ctx context.Context, opts container.CreateOptions) (string, error)
	StartContainerFunc   func(ctx context.Context, id string) error
	InspectContainerFunc func(ctx context.Context, id string) (container.ContainerState, error)
	LogsFunc             func(ctx context.Context, id string, tail int) (string, error)
	AttachContainerFunc  func(ctx context.Context, id string) (*container.Attachment, error)
	RemoveContainerFunc  func(ctx context.Context, id string, force bool) error

	// AttachResponder, when set, scripts every attached container created
	// by this provider. The default responder answers every line with
	// exit code 0 and no output.
	AttachResponder AttachResponder

	// ExecResponder scripts standalone execs. Defaults to empty output,
	// exit code 0.
	ExecResponder ExecResponder
}

type fakeContainer struct {
	mu         sync.Mutex
	running    bool
	removed    bool
	ps1        string
	ps2        string
	exitMarker string
}

// New creates an empty mock provider whose images are always considered
// present (so tests don't need to script a pull unless they want to).
func New() *Provider {
	return &Provider{containers: make(map[string]*fakeContainer)}
}

var (
	ps1Re  = regexp.MustCompile(`PS1='([^']+)\$\?:'`)
	ps2Re  = regexp.MustCompile(`PS2='([^']+)'`)
	exitRe = regexp.MustCompile(`printf '%s\\n' '([^']+)'`)
)

func (p *Provider) InspectImage(ctx context.Context, ref string) (bool, error) {
	if p.InspectImageFunc != nil {
		return p.InspectImageFunc(ctx, ref)
	}
	return true, nil
}

func (p *Provider) PullImage(ctx context.Context, ref string) error {
	if p.PullImageFunc != nil {
		return p.PullImageFunc(ctx, ref)
	}
	return nil
}

func (p *Provider) CreateContainer(ctx context.Context, opts container.CreateOptions) (string, error) {
	if p.CreateContainerFunc != nil {
		return p.CreateContainerFunc(ctx, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := "mock-container-" + strconv.Itoa(p.nextID)
	p.containers[id] = &fakeContainer{}
	return id, nil
}

func (p *Provider) StartContainer(ctx context.Context, id string) error {
	if p.StartContainerFunc != nil {
		return p.StartContainerFunc(ctx, id)
	}

	p.mu.Lock()
	c, ok := p.containers[id]
	p.mu.Unlock()
	if !ok {
		return container.ErrNotFound
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (p *Provider) InspectContainer(ctx context.Context, id string) (container.ContainerState, error) {
	if p.InspectContainerFunc != nil {
		return p.InspectContainerFunc(ctx, id)
	}

	p.mu.Lock()
	c, ok := p.containers[id]
	p.mu.Unlock()
	if !ok {
		return container.ContainerState{}, container.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	status := "exited"
	if c.running {
		status = "running"
	}
	return container.ContainerState{Running: c.running, Status: status}, nil
}

func (p *Provider) Logs(ctx context.Context, id string, tail int) (string, error) {
	if p.LogsFunc != nil {
		return p.LogsFunc(ctx, id, tail)
	}
	return "", nil
}

func (p *Provider) AttachContainer(ctx context.Context, id string) (*container.Attachment, error) {
	if p.AttachContainerFunc != nil {
		return p.AttachContainerFunc(ctx, id)
	}

	p.mu.Lock()
	c, ok := p.containers[id]
	p.mu.Unlock()
	if !ok {
		return nil, container.ErrNotFound
	}

	responder := p.AttachResponder
	if responder == nil {
		responder = func(string) (string, int, bool) { return "", 0, false }
	}

	out := make(chan []byte, 16)
	pr, pw := io.Pipe()

	go func() {
		defer close(out)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			c.mu.Lock()
			if m := ps1Re.FindStringSubmatch(line); m != nil {
				c.ps1 = m[1]
			}
			if m := ps2Re.FindStringSubmatch(line); m != nil {
				c.ps2 = m[1]
			}
			if m := exitRe.FindStringSubmatch(line); m != nil {
				c.exitMarker = m[1]
			}
			ps1, exitMarker := c.ps1, c.exitMarker
			c.mu.Unlock()

			output, code, exited := responder(line)

			var b strings.Builder
			if output != "" {
				b.WriteString(output)
				if !strings.HasSuffix(output, "\n") {
					b.WriteString("\n")
				}
			}
			if exited && exitMarker != "" {
				b.WriteString(exitMarker)
				b.WriteString("\n")
			}
			if ps1 != "" {
				b.WriteString(ps1)
				b.WriteString(strconv.Itoa(code))
				b.WriteString(":")
			}
			out <- []byte(b.String())
		}
	}()

	return &container.Attachment{
		Stdin:  pw,
		Output: out,
		Close: func() error {
			return pw.Close()
		},
	}, nil
}

func (p *Provider) CreateExec(ctx context.Context, containerID string, opts container.ExecOptions) (string, error) {
	p.mu.Lock()
	_, ok := p.containers[containerID]
	if ok {
		p.nextID++
	}
	id := "mock-exec-" + strconv.Itoa(p.nextID)
	p.mu.Unlock()
	if !ok {
		return "", container.ErrNotFound
	}

	responder := p.ExecResponder
	if responder == nil {
		responder = func([]string) (string, int) { return "", 0 }
	}
	output, code := responder(opts.Cmd)

	p.mu.Lock()
	if p.pendingExecs == nil {
		p.pendingExecs = make(map[string]*pendingExec)
	}
	p.pendingExecs[id] = &pendingExec{output: output, exitCode: code}
	p.mu.Unlock()

	return id, nil
}

func (p *Provider) StartExec(ctx context.Context, execID string) (<-chan []byte, error) {
	p.mu.Lock()
	pe, ok := p.pendingExecs[execID]
	p.mu.Unlock()
	if !ok {
		return nil, container.ErrNotFound
	}

	out := make(chan []byte, 1)
	if pe.output != "" {
		out <- []byte(pe.output)
	}
	close(out)
	return out, nil
}

func (p *Provider) InspectExec(ctx context.Context, execID string) (container.ExecInspect, error) {
	p.mu.Lock()
	pe, ok := p.pendingExecs[execID]
	p.mu.Unlock()
	if !ok {
		return container.ExecInspect{}, container.ErrNotFound
	}
	return container.ExecInspect{Running: false, ExitCode: pe.exitCode}, nil
}

func (p *Provider) RemoveContainer(ctx context.Context, id string, force bool) error {
	if p.RemoveContainerFunc != nil {
		return p.RemoveContainerFunc(ctx, id, force)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.removed = true
	c.running = false
	c.mu.Unlock()
	delete(p.containers, id)
	return nil
}

type pendingExec struct {
	output   string
	exitCode int
}
