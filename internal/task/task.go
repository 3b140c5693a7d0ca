// Package task tracks generation requests as addressable tasks.
//
// Every submitted request gets exactly one [Task], identified by a random
// UUID that is never reused. A task starts [StatusPending] and moves exactly
// once to [StatusCompleted] or [StatusError]; terminal states are final. The
// [Registry] also records the asset file materialised for a task so the
// lifecycle manager can delete it later.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("task: not found")

	// ErrTerminal is returned when transitioning a task that already reached
	// a final state.
	ErrTerminal = errors.New("task: already in a terminal state")
)

// Task is one generation request and its outcome.
type Task struct {
	JobID  string
	Status Status
	Prompt string

	// ImagePath is the image the caller supplied, if any. It is never
	// modified or deleted.
	ImagePath string

	// AssetPath is the file materialised for this task under the temp
	// directory. It is owned by the task and deleted on cleanup.
	AssetPath string

	// Result holds the generated text when completed, or the stringified
	// failure when in error. Empty while pending.
	Result string

	CreatedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the task took, or 0 while pending.
func (t Task) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// Registry maps job ids to tasks. All methods are safe for concurrent use and
// return copies, so callers never share mutable task state.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string

	now   func() time.Time
	newID func() string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create registers a pending task and returns it.
func (r *Registry) Create(prompt, imagePath string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, dup := r.tasks[id]; !dup {
			break
		}
		id = r.newID()
	}
	t := &Task{
		JobID:     id,
		Status:    StatusPending,
		Prompt:    prompt,
		ImagePath: imagePath,
		CreatedAt: r.now(),
	}
	r.tasks[id] = t
	r.order = append(r.order, id)
	return *t
}

// SetAsset records the materialised asset of a pending task.
func (r *Registry) SetAsset(jobID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.pendingLocked(jobID)
	if err != nil {
		return err
	}
	t.AssetPath = path
	return nil
}

// Complete moves a pending task to [StatusCompleted] with result.
func (r *Registry) Complete(jobID, result string) (Task, error) {
	return r.finish(jobID, StatusCompleted, result)
}

// Fail moves a pending task to [StatusError] with the failure text.
func (r *Registry) Fail(jobID, cause string) (Task, error) {
	return r.finish(jobID, StatusError, cause)
}

func (r *Registry) finish(jobID string, status Status, result string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.pendingLocked(jobID)
	if err != nil {
		return Task{}, err
	}
	t.Status = status
	t.Result = result
	t.CompletedAt = r.now()
	return *t, nil
}

func (r *Registry) pendingLocked(jobID string) (*Task, error) {
	t, ok := r.tasks[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, t.Status)
	}
	return t, nil
}

// Get returns the task for jobID.
func (r *Registry) Get(jobID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[jobID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// All returns every task in creation order.
func (r *Registry) All() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Drain removes every task and returns them in creation order.
func (r *Registry) Drain() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	r.tasks = make(map[string]*Task)
	r.order = nil
	return out
}
