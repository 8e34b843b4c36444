package task

import (
	"os"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a dispatch task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Record is the in-memory state of one dispatch task. Records live only for
// the lifetime of the process; the durable trace is the thread transcript.
type Record struct {
	TaskID         string
	ThreadID       string
	Agent          string
	Status         Status
	StartedAt      time.Time
	EndedAt        time.Time
	ExitCode       *int
	Error          string
	Workdir        string
	TimeoutSeconds int

	process         *os.Process
	cancelRequested bool
	done            chan struct{}
	finished        bool
}

// CancelRequested reports whether a cancel was requested for this task.
func (r *Record) CancelRequested() bool {
	return r.cancelRequested
}

// Registry tracks all tasks spawned by this process.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Record)}
}

// Create stores a new task record. The record's done channel is closed when
// the task reaches a terminal status.
func (r *Registry) Create(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.done = make(chan struct{})
	r.tasks[rec.TaskID] = &rec
}

// Get returns a copy of the task record.
func (r *Registry) Get(taskID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the task record under the registry lock.
func (r *Registry) Update(taskID string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Finish applies fn (which must set a terminal status) and closes the
// task's done channel exactly once.
func (r *Registry) Finish(taskID string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	fn(rec)
	if !rec.finished {
		rec.finished = true
		close(rec.done)
	}
	return true
}

// Done returns a channel closed when the task reaches a terminal status.
// For unknown tasks it returns nil, which blocks forever in a select.
func (r *Registry) Done(taskID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	return rec.done
}

// SetProcess attaches the started subprocess handle to the record.
func (r *Registry) SetProcess(taskID string, proc *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tasks[taskID]; ok {
		rec.process = proc
	}
}

// Process returns the subprocess handle, or nil if not started.
func (r *Registry) Process(taskID string) *os.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	return rec.process
}

// RequestCancel transitions a running task to canceling and marks it so the
// supervisor classifies the outcome as canceled. It returns the subprocess
// handle for signaling and whether the transition happened. Tasks already
// canceling or terminal are left untouched.
func (r *Registry) RequestCancel(taskID string) (*os.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[taskID]
	if !ok || rec.Status != StatusRunning {
		return nil, false
	}
	rec.Status = StatusCanceling
	rec.cancelRequested = true
	return rec.process, true
}

// ListActive returns copies of all non-terminal tasks ordered by start time.
// Terminal records stay in the map for status lookups and idempotent cancels
// but are never listed.
func (r *Registry) ListActive() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.tasks))
	for _, rec := range r.tasks {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
