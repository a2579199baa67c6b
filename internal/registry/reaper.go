package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shellforge/sandboxd/internal/sandbox"
)

// Reaper is the idle-sandbox background task of spec.md §4.5.a: it
// periodically snapshots the registry and stops any sandbox whose start
// time is older than idleTimeout. It snapshots through List and evicts
// through Stop, but reads each candidate's start time through the
// registry's unexported handle lookup under that sandbox's own lock, since
// no public operation exposes it. Structured like the teacher's SandboxIdleMonitor:
// ticker loop, sync.Once-guarded shutdown, bounded wg.Wait().
type Reaper struct {
	registry      *Registry
	logger        *slog.Logger
	idleTimeout   time.Duration
	checkInterval time.Duration

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewReaper constructs a Reaper over reg. logger is scoped with
// component=idle_reaper.
func NewReaper(reg *Registry, logger *slog.Logger, idleTimeout, checkInterval time.Duration) *Reaper {
	return &Reaper{
		registry:      reg,
		logger:        logger.With("component", "idle_reaper"),
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the periodic eviction loop in a background goroutine.
func (rp *Reaper) Start(ctx context.Context) {
	rp.mu.Lock()
	if rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = true
	rp.mu.Unlock()

	rp.wg.Add(1)
	go rp.loop(ctx)

	rp.logger.Info("idle reaper started", "idle_timeout", rp.idleTimeout, "check_interval", rp.checkInterval)
}

// Shutdown stops the loop and waits for it to exit, bounded by ctx.
func (rp *Reaper) Shutdown(ctx context.Context) error {
	var err error
	rp.shutdownOnce.Do(func() {
		close(rp.stopChan)

		done := make(chan struct{})
		go func() {
			rp.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("idle reaper shutdown timed out")
		}
	})
	return err
}

func (rp *Reaper) loop(ctx context.Context) {
	defer rp.wg.Done()

	ticker := time.NewTicker(rp.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rp.stopChan:
			return
		case <-ticker.C:
			rp.sweep(ctx)
		}
	}
}

// sweep stops every Started/Exited sandbox whose start time is older than
// idleTimeout. Errors are logged and swallowed, per spec.md §4.5.a.
func (rp *Reaper) sweep(ctx context.Context) {
	for _, info := range rp.registry.List() {
		if info.Status != sandbox.StatusStarted && info.Status != sandbox.StatusExited {
			continue
		}

		h, err := rp.registry.get(info.ID)
		if err != nil {
			continue
		}
		h.mu.Lock()
		start := h.Sandbox.StartTime()
		h.mu.Unlock()

		if start.IsZero() || time.Since(start) < rp.idleTimeout {
			continue
		}

		if err := rp.registry.Stop(ctx, info.ID, true); err != nil && err != ErrNotFound {
			rp.logger.Error("failed to stop idle sandbox", "sandbox_id", info.ID, "error", err)
		} else {
			rp.logger.Info("evicted idle sandbox", "sandbox_id", info.ID, "idle_for", time.Since(start))
		}
	}
}
