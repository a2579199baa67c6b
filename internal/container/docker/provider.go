// Package docker implements container.Runtime against a real Docker
// daemon via the Docker SDK.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	sandboxcontainer "github.com/shellforge/sandboxd/internal/container"
)

// Provider implements sandboxcontainer.Runtime using a single shared
// Docker client. It holds no per-sandbox state of its own — the sandbox
// core owns container and exec ids.
type Provider struct {
	client *client.Client
}

// New creates a Provider from the given Docker host URL (empty uses the
// ambient DOCKER_HOST / default socket) and verifies connectivity.
func New(dockerHost string) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	return &Provider{client: cli}, nil
}

// Close releases the underlying Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) InspectImage(ctx context.Context, ref string) (bool, error) {
	_, err := p.client.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %s: %w", ref, err)
}

func (p *Provider) PullImage(ctx context.Context, ref string) error {
	rc, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// Drain the progress stream; we don't surface individual events, only
	// the terminal error (if any) once the pull completes.
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("pull image %s: read progress stream: %w", ref, err)
	}
	return nil
}

func (p *Provider) CreateContainer(ctx context.Context, opts sandboxcontainer.CreateOptions) (string, error) {
	labels := opts.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       labels,
		Tty:          opts.TTY,
		OpenStdin:    opts.OpenStdin,
		AttachStdin:  opts.AttachStdin,
		AttachStdout: opts.AttachStdout,
		AttachStderr: opts.AttachStderr,
		StdinOnce:    false,
	}

	hostCfg := &container.HostConfig{Privileged: opts.Privileged}
	if len(opts.Ports) > 0 {
		cfg.ExposedPorts = make(nat.PortSet, len(opts.Ports))
		hostCfg.PortBindings = make(nat.PortMap, len(opts.Ports))
		for _, containerPort := range opts.Ports {
			port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
		}
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (p *Provider) StartContainer(ctx context.Context, id string) error {
	if err := p.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (p *Provider) InspectContainer(ctx context.Context, id string) (sandboxcontainer.ContainerState, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandboxcontainer.ContainerState{}, sandboxcontainer.ErrNotFound
		}
		return sandboxcontainer.ContainerState{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	state := sandboxcontainer.ContainerState{
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
		Error:    info.State.Error,
		Status:   info.State.Status,
	}
	return state, nil
}

func (p *Provider) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := p.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("fetch logs for %s: %w", id, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("read logs for %s: %w", id, err)
	}
	return stdout.String() + stderr.String(), nil
}

func (p *Provider) AttachContainer(ctx context.Context, id string) (*sandboxcontainer.Attachment, error) {
	hijacked, err := p.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", id, err)
	}

	out := make(chan []byte, 16)
	hub := sandboxcontainer.NewOutputHub()
	go func() {
		defer close(out)
		defer hub.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := hijacked.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
				hub.Publish(chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	return &sandboxcontainer.Attachment{
		Stdin:  hijacked.Conn,
		Output: out,
		Hub:    hub,
		Close: func() error {
			hijacked.Close()
			return nil
		},
	}, nil
}

func (p *Provider) CreateExec(ctx context.Context, containerID string, opts sandboxcontainer.ExecOptions) (string, error) {
	resp, err := p.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		Tty:          opts.TTY,
		AttachStdout: opts.AttachStdout,
		AttachStderr: opts.AttachStderr,
		AttachStdin:  opts.AttachStdin,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in %s: %w", containerID, err)
	}
	return resp.ID, nil
}

func (p *Provider) StartExec(ctx context.Context, execID string) (<-chan []byte, error) {
	hijacked, err := p.client.ContainerExecAttach(ctx, execID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("start exec %s: %w", execID, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer hijacked.Close()

		pr, pw := io.Pipe()
		go func() {
			_, _ = stdcopy.StdCopy(pw, pw, hijacked.Reader)
			pw.Close()
		}()

		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	return out, nil
}

func (p *Provider) InspectExec(ctx context.Context, execID string) (sandboxcontainer.ExecInspect, error) {
	inspect, err := p.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return sandboxcontainer.ExecInspect{}, fmt.Errorf("inspect exec %s: %w", execID, err)
	}
	return sandboxcontainer.ExecInspect{
		Running:  inspect.Running,
		ExitCode: inspect.ExitCode,
	}, nil
}

func (p *Provider) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}
