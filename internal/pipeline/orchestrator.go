package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dgallion1/codecollect/internal/config"
	"github.com/dgallion1/codecollect/internal/metrics"
)

// Job is one unit of background work run against a task.
type Job interface {
	Kind() string
	Name() string
	Run(ctx context.Context, t *Task) ([]Artifact, error)
}

// Discarder is implemented by jobs that hold resources which must be
// released when the job is dropped without running.
type Discarder interface {
	Discard()
}

func discard(job Job) {
	if d, ok := job.(Discarder); ok {
		d.Discard()
	}
}

type queued struct {
	task *Task
	job  Job
}

// Orchestrator runs submitted jobs on a fixed pool of workers.
type Orchestrator struct {
	reg     *Registry
	queue   chan queued
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     config.Config

	mu      sync.Mutex
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the pipeline. Call Start before submitting.
func NewOrchestrator(cfg config.Config, reg *Registry, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		reg:     reg,
		queue:   make(chan queued, cfg.MaxQueueSize),
		log:     log,
		metrics: m,
		cfg:     cfg,
	}
}

// Start launches worker goroutines and the registry sweeper.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range max(o.cfg.WorkerCount, 1) {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case q, ok := <-o.queue:
					if !ok {
						return
					}
					o.metrics.SetQueueDepth(len(o.queue))
					o.run(workerCtx, q)
				}
			}
		}()
	}

	interval := o.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := o.reg.Sweep(); n > 0 {
					o.log.Info("evicted finished tasks", "count", n)
				}
			}
		}
	}()
}

// Stop cancels running jobs, waits for workers and fails anything still queued.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	for q := range o.queue {
		discard(q.job)
		q.task.Fail(errors.New("server shutting down"))
	}
}

// Submit registers a task for job and queues it. The task ID is returned even
// when the queue is full; that task is already marked failed.
func (o *Orchestrator) Submit(job Job) (string, error) {
	t := o.reg.Create(job.Kind(), job.Name())
	o.metrics.TaskSubmitted(job.Kind())

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		discard(job)
		t.Fail(errors.New("server shutting down"))
		return t.ID(), errors.New("orchestrator stopped")
	}
	select {
	case o.queue <- queued{task: t, job: job}:
		o.metrics.SetQueueDepth(len(o.queue))
		return t.ID(), nil
	default:
		discard(job)
		t.Fail(ErrQueueFull)
		o.metrics.TaskFinished(job.Kind(), string(StatusFailed), 0)
		return t.ID(), fmt.Errorf("%w (%d)", ErrQueueFull, cap(o.queue))
	}
}

// Cancel requests cooperative cancellation of task id.
func (o *Orchestrator) Cancel(id string) error {
	t, err := o.reg.Task(id)
	if err != nil {
		return err
	}
	return t.requestCancel()
}

// Registry returns the task registry backing the orchestrator.
func (o *Orchestrator) Registry() *Registry {
	return o.reg
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) run(ctx context.Context, q queued) {
	t := q.task
	log := o.log.With("task_id", t.ID(), "kind", q.job.Kind())

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !t.start(cancel) {
		discard(q.job)
		t.Fail(ErrCancelled)
		o.metrics.TaskFinished(q.job.Kind(), string(StatusFailed), 0)
		return
	}

	started := time.Now()
	log.Info("task started", "name", q.job.Name())
	results, err := execute(taskCtx, q.job, t, log)
	if err != nil && t.cancelled() && errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}

	status := StatusComplete
	if err != nil {
		status = StatusFailed
		log.Error("task failed", "error", err)
		t.Fail(err)
	} else {
		log.Info("task complete", "artifacts", len(results), "duration_ms", time.Since(started).Milliseconds())
		t.Complete(results)
	}
	o.metrics.TaskFinished(q.job.Kind(), string(status), time.Since(started))
}

// execute runs the job, turning a panic into an error.
func execute(ctx context.Context, job Job, t *Task, log *slog.Logger) (results []Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return job.Run(ctx, t)
}
