package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgallion1/codecollect/internal/config"
)

type funcJob struct {
	kind      string
	run       func(ctx context.Context, t *Task) ([]Artifact, error)
	discarded atomic.Bool
}

func (j *funcJob) Kind() string { return j.kind }
func (j *funcJob) Name() string { return "test" }
func (j *funcJob) Discard() { j.discarded.Store(true) }

func (j *funcJob) Run(ctx context.Context, t *Task) ([]Artifact, error) {
	return j.run(ctx, t)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.WorkerCount = 2
	cfg.MaxQueueSize = 4
	return cfg
}

func waitTerminal(t *testing.T, reg *Registry, id string) TaskSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := reg.Get(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Done() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return TaskSnapshot{}
}

func TestOrchestrator_RunsJobToCompletion(t *testing.T) {
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())
	orch.Start(context.Background())
	defer orch.Stop()

	id, err := orch.Submit(&funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		task.Step(50, "half")
		return []Artifact{{Name: "out_part1.pdf", Kind: ArtifactPart}}, nil
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := waitTerminal(t, reg, id)
	if snap.Status != StatusComplete {
		t.Errorf("expected status %q, got %q", StatusComplete, snap.Status)
	}
	if len(snap.Results) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(snap.Results))
	}
}

func TestOrchestrator_WorkerFailureReachesSubscriber(t *testing.T) {
	reg := NewRegistry(time.Hour)
	pub := NewPublisher(reg, time.Second, 0, nil, discardLogger())
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())

	release := make(chan struct{})
	id, err := orch.Submit(&funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		task.Step(20, "working")
		<-release
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("renderer crashed mid-run")
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Subscribe before the worker starts so the feed covers the whole run.
	ch, err := pub.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orch.Start(context.Background())
	defer orch.Stop()
	close(release)

	events := drain(t, ch, 5*time.Second)
	checkFeed(t, events, EventFailed)
	if events[len(events)-1].Error != "renderer crashed mid-run" {
		t.Errorf("expected error on failed event, got %q", events[len(events)-1].Error)
	}

	snap, err := reg.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != StatusFailed || snap.Error == "" {
		t.Errorf("expected failed status with error, got %q / %q", snap.Status, snap.Error)
	}
}

func TestOrchestrator_PanicBecomesFailure(t *testing.T) {
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())
	orch.Start(context.Background())
	defer orch.Stop()

	id, _ := orch.Submit(&funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}})

	snap := waitTerminal(t, reg, id)
	if snap.Status != StatusFailed {
		t.Errorf("expected status %q, got %q", StatusFailed, snap.Status)
	}
	if !strings.Contains(snap.Error, "worker panic") {
		t.Errorf("expected panic to be captured, got %q", snap.Error)
	}

	// The pool survives a panic.
	id2, _ := orch.Submit(&funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		return nil, nil
	}})
	if snap := waitTerminal(t, reg, id2); snap.Status != StatusComplete {
		t.Errorf("expected follow-up task to complete, got %q", snap.Status)
	}
}

func TestOrchestrator_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(cfg, reg, nil, discardLogger())
	// Workers are not started, so the queue fills up.

	noop := func(ctx context.Context, task *Task) ([]Artifact, error) { return nil, nil }
	if _, err := orch.Submit(&funcJob{kind: "collect", run: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job := &funcJob{kind: "collect", run: noop}
	id, err := orch.Submit(job)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	snap, _ := reg.Get(id)
	if snap.Status != StatusFailed {
		t.Errorf("expected rejected task to be failed, got %q", snap.Status)
	}
	if !job.discarded.Load() {
		t.Error("expected rejected job to be discarded")
	}
	if orch.QueueDepth() != 1 {
		t.Errorf("expected queue depth 1, got %d", orch.QueueDepth())
	}
}

func TestOrchestrator_CancelRunningTask(t *testing.T) {
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())
	orch.Start(context.Background())
	defer orch.Stop()

	started := make(chan struct{})
	id, _ := orch.Submit(&funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	<-started
	if err := orch.Cancel(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := waitTerminal(t, reg, id)
	if snap.Status != StatusFailed {
		t.Errorf("expected status %q, got %q", StatusFailed, snap.Status)
	}
	if snap.Error != ErrCancelled.Error() {
		t.Errorf("expected error %q, got %q", ErrCancelled.Error(), snap.Error)
	}
	if err := orch.Cancel(id); !errors.Is(err, ErrTaskFinished) {
		t.Errorf("expected ErrTaskFinished on second cancel, got %v", err)
	}
	if err := orch.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestOrchestrator_CancelQueuedTask(t *testing.T) {
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())

	var ran atomic.Bool
	job := &funcJob{kind: "collect", run: func(ctx context.Context, task *Task) ([]Artifact, error) {
		ran.Store(true)
		return nil, nil
	}}
	id, _ := orch.Submit(job)
	if err := orch.Cancel(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orch.Start(context.Background())
	defer orch.Stop()

	snap := waitTerminal(t, reg, id)
	if snap.Status != StatusFailed {
		t.Errorf("expected status %q, got %q", StatusFailed, snap.Status)
	}
	if ran.Load() {
		t.Error("expected cancelled job never to run")
	}
	if !job.discarded.Load() {
		t.Error("expected cancelled job to be discarded")
	}
}

func TestOrchestrator_StopFailsQueuedTasks(t *testing.T) {
	reg := NewRegistry(time.Hour)
	orch := NewOrchestrator(testConfig(), reg, nil, discardLogger())

	noop := func(ctx context.Context, task *Task) ([]Artifact, error) { return nil, nil }
	id, _ := orch.Submit(&funcJob{kind: "collect", run: noop})
	orch.Stop()

	snap, _ := reg.Get(id)
	if snap.Status != StatusFailed {
		t.Errorf("expected queued task to fail on stop, got %q", snap.Status)
	}
	if _, err := orch.Submit(&funcJob{kind: "collect", run: noop}); err == nil {
		t.Error("expected submit after stop to fail")
	}
}
