package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shellforge/sandboxd/internal/container/mock"
	"github.com/shellforge/sandboxd/internal/sandbox"
)

func TestCreateListIncludesNewSandbox(t *testing.T) {
	r := New(mock.New(), 10, false)

	id, err := r.Create("ubuntu:latest", []string{"echo hi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	infos := r.List()
	if len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("expected list to contain %s, got %+v", id, infos)
	}
	if infos[0].Status != sandbox.StatusCreated {
		t.Errorf("expected status created, got %v", infos[0].Status)
	}
	if infos[0].SetupCommand != "echo hi" {
		t.Errorf("got setup command %q", infos[0].SetupCommand)
	}
}

func TestStartExecStop(t *testing.T) {
	rt := mock.New()
	rt.ExecResponder = func(cmd []string) (string, int) { return "ok\n", 0 }
	r := New(rt, 10, false)

	id, err := r.Create("ubuntu:latest", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := r.Exec(context.Background(), id, "pwd", true)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("got output %q", res.Output)
	}

	if err := r.Stop(context.Background(), id, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	infos := r.List()
	if infos[0].Status != sandbox.StatusStopped {
		t.Errorf("expected stopped, got %v", infos[0].Status)
	}
}

func TestStopWithRemoveDropsEntryThenNotFound(t *testing.T) {
	r := New(mock.New(), 10, false)

	id, err := r.Create("ubuntu:latest", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(context.Background(), id, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := r.Exec(context.Background(), id, "echo hi", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	if err := r.Stop(context.Background(), id, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove-stop, got %v", err)
	}
	if _, err := r.Trajectory(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Trajectory, got %v", err)
	}
}

func TestDoubleStopWithoutRemoveReturnsSandboxError(t *testing.T) {
	r := New(mock.New(), 10, false)

	id, err := r.Create("ubuntu:latest", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(context.Background(), id, false); err != nil {
		t.Fatalf("first Stop: %v", err)
	}

	err = r.Stop(context.Background(), id, false)
	var sbErr *sandbox.Error
	if !errors.As(err, &sbErr) || sbErr.Kind != sandbox.KindNotStarted {
		t.Fatalf("expected sandbox.KindNotStarted on second stop, got %v", err)
	}
}

func TestTrajectoryFormatted(t *testing.T) {
	rt := mock.New()
	rt.AttachResponder = func(line string) (string, int, bool) {
		if line == "echo hi" {
			return "hi", 0, false
		}
		return "", 0, false
	}
	r := New(rt, 10, false)

	id, err := r.Create("ubuntu:latest", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Exec(context.Background(), id, "echo hi", false); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	entries, err := r.Trajectory(id)
	if err != nil {
		t.Fatalf("Trajectory: %v", err)
	}
	if len(entries) != 1 || entries[0].Command != "echo hi" {
		t.Fatalf("got entries %+v", entries)
	}
	if entries[0].TimestampSinceStartSec < 0 {
		t.Errorf("expected non-negative offset, got %v", entries[0].TimestampSinceStartSec)
	}

	formatted, err := r.TrajectoryFormatted(id)
	if err != nil {
		t.Fatalf("TrajectoryFormatted: %v", err)
	}
	want := "$ echo hi\nhi\n"
	if formatted != want {
		t.Errorf("got %q, want %q", formatted, want)
	}
}

func TestAdmissionSemaphoreBoundsConcurrentStarts(t *testing.T) {
	const maxConcurrent = 3
	const attempts = 10

	rt := mock.New()
	r := New(rt, maxConcurrent, false)

	ids := make([]string, attempts)
	for i := range ids {
		id, err := r.Create("ubuntu:latest", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids[i] = id
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		peak    int
	)

	// Hold every admitted sandbox "running" until released, so all starts
	// that make it past the semaphore are concurrently in flight at once.
	release := make(chan struct{})
	started := make(chan struct{}, attempts)

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Start(context.Background(), id); err != nil {
				return
			}
			started <- struct{}{}
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			<-release

			mu.Lock()
			running--
			mu.Unlock()
			_ = r.Stop(context.Background(), id, false)
		}(id)
	}

	// Let as many Starts admit as the semaphore allows.
	for i := 0; i < maxConcurrent; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d starts to admit, only saw %d", maxConcurrent, i)
		}
	}

	mu.Lock()
	gotPeak := peak
	mu.Unlock()
	if gotPeak > maxConcurrent {
		t.Errorf("peak concurrent running sandboxes %d exceeds max %d", gotPeak, maxConcurrent)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > maxConcurrent {
		t.Errorf("peak concurrent running sandboxes %d exceeds max %d", peak, maxConcurrent)
	}
}
