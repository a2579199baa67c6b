// Package registry implements the process-wide sandbox registry and
// admission control of spec.md §4.1 and §4.5: a concurrent id->sandbox
// map, a counting semaphore bounding simultaneously-running containers,
// and the façade operations (create/start/exec/stop/list/trajectory)
// that translate into calls on internal/sandbox.Sandbox under each
// sandbox's own exclusive lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shellforge/sandboxd/internal/container"
	"github.com/shellforge/sandboxd/internal/sandbox"
)

// ErrNotFound is returned when an operation names an id absent from the
// registry.
var ErrNotFound = fmt.Errorf("sandbox not found")

// Handle wraps a single Sandbox behind its own lock, giving the registry
// one lock per sandbox rather than a single global lock across sandbox
// operations (spec.md §5).
type Handle struct {
	mu      sync.Mutex
	Sandbox *sandbox.Sandbox
}

// Registry is the process-wide id->Handle map plus the admission
// semaphore.
type Registry struct {
	runtime    container.Runtime
	sem        *semaphore.Weighted
	privileged bool

	mu   sync.Mutex
	byID map[string]*Handle
}

// New creates a Registry bounding simultaneously-running containers at
// maxConcurrent (spec.md §4.1 default 10). privileged is forwarded to
// every sandbox it creates.
func New(runtime container.Runtime, maxConcurrent int64, privileged bool) *Registry {
	return &Registry{
		runtime:    runtime,
		sem:        semaphore.NewWeighted(maxConcurrent),
		privileged: privileged,
		byID:       make(map[string]*Handle),
	}
}

// semPermit adapts the shared semaphore to sandbox.Permit. release is
// idempotent so a failed Start and a later Stop can't double-release.
type semPermit struct {
	sem  *semaphore.Weighted
	once sync.Once
}

func (p *semPermit) Release() {
	p.once.Do(func() { p.sem.Release(1) })
}

// Create builds a new Created sandbox and inserts it under a fresh id.
// It never touches the container host.
func (r *Registry) Create(image string, setupCommands []string) (string, error) {
	id := uuid.NewString()
	sb := sandbox.New(id, image, setupCommands, r.runtime, r.privileged)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return "", fmt.Errorf("registry: duplicate sandbox id %s", id)
	}
	r.byID[id] = &Handle{Sandbox: sb}
	return id, nil
}

func (r *Registry) get(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (r *Registry) remove(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	return h
}

func (r *Registry) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	return out
}

// Start acquires an admission permit and starts the named sandbox. The
// semaphore acquire happens before the sandbox lock is taken, so a
// blocked Start never holds up unrelated operations on the same sandbox.
func (r *Registry) Start(ctx context.Context, id string) error {
	h, err := r.get(id)
	if err != nil {
		return err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire admission permit: %w", err)
	}
	permit := &semPermit{sem: r.sem}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Sandbox.Start(ctx, permit)
}

// Exec runs command against the named sandbox, as a session command or a
// standalone one-shot exec.
func (r *Registry) Exec(ctx context.Context, id, command string, standalone bool) (*sandbox.CommandResult, error) {
	h, err := r.get(id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if standalone {
		return h.Sandbox.ExecStandalone(ctx, command)
	}
	return h.Sandbox.ExecSession(ctx, command)
}

// Stop stops the named sandbox. When remove is true the registry entry is
// dropped first so a concurrent lookup can never observe a half-stopped
// sandbox still in the map. Container-removal failures are logged and
// swallowed; only lifecycle errors (e.g. already stopped) propagate.
func (r *Registry) Stop(ctx context.Context, id string, remove bool) error {
	var h *Handle
	if remove {
		h = r.remove(id)
	} else {
		var err error
		h, err = r.get(id)
		if err != nil {
			return err
		}
	}
	if h == nil {
		return ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.Sandbox.Stop(ctx)
	if err == nil {
		return nil
	}
	var sbErr *sandbox.Error
	if errors.As(err, &sbErr) {
		return sbErr
	}
	log.Printf("registry: stop %s: %v", id, err)
	return nil
}

// SubscribeOutput registers a new observer on the named sandbox's live
// attach stream, for the terminal WebSocket passthrough. The returned
// unsubscribe func must be called when the observer disconnects.
func (r *Registry) SubscribeOutput(id string) (<-chan []byte, func(), error) {
	h, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	att, ok := h.Sandbox.Attachment()
	if !ok || att.Hub == nil {
		return nil, nil, fmt.Errorf("sandbox %s has no live attachment to observe", id)
	}

	subID, ch := att.Hub.Subscribe()
	return ch, func() { att.Hub.Unsubscribe(subID) }, nil
}

// Info is the read-only snapshot of a sandbox returned by List.
type Info struct {
	ID                     string
	Image                  string
	SetupCommand           string
	Status                 sandbox.StatusKind
	SessionCommandCount    int
	LastStandaloneExitCode *int
}

// List snapshots the registry and reads each sandbox's public state under
// its own lock, concurrently.
func (r *Registry) List() []Info {
	handles := r.snapshot()
	infos := make([]Info, len(handles))

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			h.mu.Lock()
			defer h.mu.Unlock()
			infos[i] = Info{
				ID:                     h.Sandbox.ID(),
				Image:                  h.Sandbox.Image(),
				SetupCommand:           h.Sandbox.SetupCommand(),
				Status:                 h.Sandbox.Status().Kind,
				SessionCommandCount:    h.Sandbox.TrajectoryLen(),
				LastStandaloneExitCode: h.Sandbox.LastStandaloneExitCode(),
			}
		}(i, h)
	}
	wg.Wait()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// TrajectoryEntry is one formatted trajectory record.
type TrajectoryEntry struct {
	Index                  int
	Command                string
	TimestampSinceStartSec float64
	Result                 *sandbox.CommandResult
}

// Trajectory returns the named sandbox's trajectory with timestamps
// expressed as seconds since the sandbox started (or since "now" if it
// never started, matching spec.md §4.5).
func (r *Registry) Trajectory(id string) ([]TrajectoryEntry, error) {
	h, err := r.get(id)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := h.Sandbox.StartTime()
	if start.IsZero() {
		start = time.Now()
	}

	entries := h.Sandbox.Trajectory()
	out := make([]TrajectoryEntry, len(entries))
	for i, e := range entries {
		out[i] = TrajectoryEntry{
			Index:                  i,
			Command:                e.Command,
			TimestampSinceStartSec: e.Timestamp.Sub(start).Seconds(),
			Result:                 e.Result,
		}
	}
	return out, nil
}

// TrajectoryFormatted renders the named sandbox's trajectory as a plain
// text log: "$ <cmd>\n<output>\n" per entry, output omitted when empty,
// "no result recorded" when the command never completed.
func (r *Registry) TrajectoryFormatted(id string) (string, error) {
	entries, err := r.Trajectory(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("$ ")
		b.WriteString(e.Command)
		b.WriteString("\n")
		if e.Result == nil {
			b.WriteString("(no result recorded)\n")
			continue
		}
		if e.Result.Output != "" {
			b.WriteString(e.Result.Output)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
