package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
	ErrQueueFull    = errors.New("task queue is full")
	ErrCancelled    = errors.New("task cancelled")
)

// Level classifies a task log line.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// LogLine is one user-facing line of task history.
type LogLine struct {
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
}

func (l LogLine) String() string {
	return fmt.Sprintf("[%s] %s", l.Time.Format("03:04:05 PM"), l.Text)
}

// Artifact is one file produced by a task.
type Artifact struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // part, structure, bundle, log
	Category  string `json:"category,omitempty"`
	Part      int    `json:"part,omitempty"`
	FirstPage int    `json:"first_page,omitempty"`
	LastPage  int    `json:"last_page,omitempty"`
	Size      int64  `json:"size"`
	Oversize  bool   `json:"oversize,omitempty"`
}

const (
	ArtifactPart      = "part"
	ArtifactStructure = "structure"
	ArtifactBundle    = "bundle"
	ArtifactLog       = "log"
)

// Delta is a worker-side change to a running task. A zero Progress or an
// empty Message leaves the current value in place.
type Delta struct {
	Progress int
	Message  string
	Log      []LogLine
}

// Task tracks the state of one background job. Only the worker executing the
// task mutates it; readers go through Snapshot.
type Task struct {
	mu sync.Mutex

	id   string
	kind string
	name string

	status   Status
	progress int
	message  string
	logs     []LogLine
	results  []Artifact
	err      string

	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time

	version     uint64
	changed     chan struct{}
	subscribers int

	cancel          context.CancelFunc
	cancelRequested bool

	now func() time.Time
}

func newTask(kind, name string, now func() time.Time) *Task {
	t := now()
	return &Task{
		id:        uuid.NewString(),
		kind:      kind,
		name:      name,
		status:    StatusPending,
		message:   "Queued",
		createdAt: t,
		updatedAt: t,
		changed:   make(chan struct{}),
		now:       now,
	}
}

func (t *Task) ID() string { return t.id }

// touch records a mutation and wakes every waiter. Caller holds t.mu.
func (t *Task) touch() {
	t.version++
	t.updatedAt = t.now()
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Task) line(level Level, text string) LogLine {
	return LogLine{Time: t.now(), Level: level, Text: text}
}

// Update applies d. Progress is clamped to [0,100] and never moves backwards.
func (t *Task) Update(d Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTaskFinished
	}
	if p := min(d.Progress, 100); p > t.progress {
		t.progress = p
	}
	if d.Message != "" {
		t.message = d.Message
	}
	t.logs = append(t.logs, d.Log...)
	t.touch()
	return nil
}

// Step moves progress forward and replaces the status message.
func (t *Task) Step(progress int, message string) error {
	return t.Update(Delta{Progress: progress, Message: message})
}

// Logf appends a timestamped log line.
func (t *Task) Logf(level Level, format string, args ...any) error {
	return t.Update(Delta{Log: []LogLine{t.line(level, fmt.Sprintf(format, args...))}})
}

// start moves a pending task to running and installs its cancel func. It
// returns false when cancellation was requested while the task was queued.
func (t *Task) start(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending || t.cancelRequested {
		return false
	}
	t.status = StatusRunning
	t.message = "Starting"
	t.cancel = cancel
	t.touch()
	return true
}

// Complete finishes the task with its artifacts.
func (t *Task) Complete(results []Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTaskFinished
	}
	t.status = StatusComplete
	t.progress = 100
	t.message = "Complete"
	t.results = results
	t.logs = append(t.logs, t.line(LevelSuccess, fmt.Sprintf("Done: %d file(s) ready", len(results))))
	t.finishedAt = t.now()
	t.cancel = nil
	t.touch()
	return nil
}

// Fail finishes the task with err. The error text is kept for every later
// reader.
func (t *Task) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTaskFinished
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	t.status = StatusFailed
	t.err = msg
	t.message = "Failed"
	t.logs = append(t.logs, t.line(LevelError, "Error: "+msg))
	t.finishedAt = t.now()
	t.cancel = nil
	t.touch()
	return nil
}

// requestCancel asks the running job to stop. Queued tasks are failed when a
// worker picks them up.
func (t *Task) requestCancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTaskFinished
	}
	t.cancelRequested = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Task) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// watch returns the current snapshot together with a channel that is closed
// on the next mutation.
func (t *Task) watch() (TaskSnapshot, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(), t.changed
}

func (t *Task) addSubscriber() {
	t.mu.Lock()
	t.subscribers++
	t.mu.Unlock()
}

func (t *Task) removeSubscriber() {
	t.mu.Lock()
	t.subscribers--
	t.mu.Unlock()
}

func (t *Task) evictable(now time.Time, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal() && t.subscribers == 0 && now.Sub(t.finishedAt) > ttl
}

// TaskSnapshot is a read-only, JSON-safe copy of task state.
type TaskSnapshot struct {
	ID         string     `json:"task_id"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Logs       []LogLine  `json:"log"`
	Results    []Artifact `json:"results,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Version    uint64     `json:"version"`
}

// Done reports whether the task reached a terminal state.
func (s TaskSnapshot) Done() bool { return s.Status.Terminal() }

// Snapshot returns a JSON-safe copy of the task state.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() TaskSnapshot {
	s := TaskSnapshot{
		ID:        t.id,
		Kind:      t.kind,
		Name:      t.name,
		Status:    t.status,
		Progress:  t.progress,
		Message:   t.message,
		Logs:      append([]LogLine{}, t.logs...),
		Results:   append([]Artifact(nil), t.results...),
		Error:     t.err,
		CreatedAt: t.createdAt,
		UpdatedAt: t.updatedAt,
		Version:   t.version,
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		s.FinishedAt = &f
	}
	return s
}

// Registry is an in-memory task registry with retention-based eviction.
// The registry lock guards only the map; each task carries its own lock.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	ttl     time.Duration
	now     func() time.Time
	onEvict func(id string)
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		ttl:   ttl,
		now:   time.Now,
	}
}

// OnEvict registers fn to run after Sweep removes a task, outside any lock.
func (r *Registry) OnEvict(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Create registers a new pending task.
func (r *Registry) Create(kind, name string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := newTask(kind, name, r.now)
	r.tasks[t.id] = t
	return t
}

// Task returns the live handle for id.
func (r *Registry) Task(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// watchTask returns task id with a subscriber already attached. The lookup
// and the attach happen under the registry lock so Sweep cannot evict the
// task in between.
func (r *Registry) watchTask(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	t.addSubscriber()
	return t, nil
}

// Get returns a consistent snapshot of task id.
func (r *Registry) Get(id string) (TaskSnapshot, error) {
	t, err := r.Task(id)
	if err != nil {
		return TaskSnapshot{}, err
	}
	return t.Snapshot(), nil
}

// Update applies d to task id.
func (r *Registry) Update(id string, d Delta) error {
	t, err := r.Task(id)
	if err != nil {
		return err
	}
	return t.Update(d)
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Sweep evicts finished tasks older than the retention window that nobody
// is watching, and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var evicted []string
	for id, t := range r.tasks {
		if t.evictable(now, r.ttl) {
			delete(r.tasks, id)
			evicted = append(evicted, id)
		}
	}
	hook := r.onEvict
	r.mu.Unlock()

	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
	return len(evicted)
}

// FormatLog renders log lines as the downloadable process log.
func FormatLog(title string, at time.Time, lines []LogLine) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s Process Log - %s\n", title, at.Format("2006-01-02 15:04:05"))
	buf.WriteString(strings.Repeat("=", 80))
	buf.WriteString("\n\n")
	for _, l := range lines {
		buf.WriteString(l.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// HumanSize formats a byte count the way task logs show it.
func HumanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
